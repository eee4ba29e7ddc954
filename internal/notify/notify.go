// Package notify is the fan-out boundary for user-visible feedback. The view
// models raise toasts through it; rendering belongs to the consuming UI.
package notify

import (
	"log"
	"sync"
)

// Notifier receives user-visible feedback from the view models.
type Notifier interface {
	// Success reports a completed mutation, keyed by case number.
	Success(caseNumber, message string)
	// Error reports a failed mutation with the underlying cause.
	Error(message string, err error)
	// Info reports an informational event, e.g. a new inbound request.
	Info(message string)
}

// Log writes notifications to a standard logger. It is the default sink for
// the CLI.
type Log struct {
	Logger *log.Logger
}

func (l Log) logger() *log.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return log.Default()
}

func (l Log) Success(caseNumber, message string) {
	l.logger().Printf("[notify] %s: %s", caseNumber, message)
}

func (l Log) Error(message string, err error) {
	l.logger().Printf("[notify] error: %s: %v", message, err)
}

func (l Log) Info(message string) {
	l.logger().Printf("[notify] %s", message)
}

// Entry is one captured notification.
type Entry struct {
	Kind       string // "success", "error", "info"
	CaseNumber string
	Message    string
	Err        error
}

// Recorder captures notifications for assertions in tests.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) Success(caseNumber, message string) {
	r.append(Entry{Kind: "success", CaseNumber: caseNumber, Message: message})
}

func (r *Recorder) Error(message string, err error) {
	r.append(Entry{Kind: "error", Message: message, Err: err})
}

func (r *Recorder) Info(message string) {
	r.append(Entry{Kind: "info", Message: message})
}

func (r *Recorder) append(e Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// Entries returns a copy of everything captured so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
