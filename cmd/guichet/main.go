package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"guichet/internal/agentqueue"
	"guichet/internal/changefeed"
	"guichet/internal/citizenledger"
	"guichet/internal/config"
	"guichet/internal/db"
	"guichet/internal/domain"
	"guichet/internal/engine"
	"guichet/internal/migrate"
	"guichet/internal/notify"
	"guichet/internal/repo"
	"guichet/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "guichet",
	Short: "Guichet CLI",
	Long: `Guichet tracks citizen service requests through their processing lifecycle.
Requests move pending -> in_progress -> validated/rejected (validated -> completed);
awaiting_documents is a detour from in_progress. Agents work the queue, citizens
follow their ledger, and every mutation lands on a change feed that keeps both
views in sync.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GUICHET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-agent", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(servicesCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if err := e.Repo.SeedServices(ctx, cfg.Services); err != nil {
		return err
	}
	return fn(ctx, e)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: e.Config.Auth.AllowLegacyActorHeader,
				}
				if authCfg.JWTSecret == "" {
					authCfg.JWTSecret = e.Config.Auth.JWTSecret
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Guichet API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func servicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List the services catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListServices(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Category", "Required documents"})
				for _, svc := range items {
					tw.AppendRow(table.Row{svc.ID, svc.Name, svc.Category, strings.Join(svc.RequiredDocuments, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func submitCmd() *cobra.Command {
	var citizenID, citizenName, citizenEmail, serviceID string
	var docs []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new service request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var documents []domain.Document
				for _, name := range docs {
					documents = append(documents, domain.Document{Name: name})
				}
				req, err := e.Submit(ctx, engine.SubmitOptions{
					CitizenID:    citizenID,
					CitizenName:  citizenName,
					CitizenEmail: citizenEmail,
					ServiceID:    serviceID,
					Documents:    documents,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(req)
				}
				fmt.Printf("submitted %s (%s)\n", req.CaseNumber, req.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&citizenID, "citizen-id", "", "citizen identifier")
	cmd.Flags().StringVar(&citizenName, "citizen-name", "", "citizen display name")
	cmd.Flags().StringVar(&citizenEmail, "citizen-email", "", "citizen email")
	cmd.Flags().StringVar(&serviceID, "service", "", "service id from the catalog")
	cmd.Flags().StringArrayVar(&docs, "document", nil, "attached document name (repeatable)")
	_ = cmd.MarkFlagRequired("citizen-id")
	_ = cmd.MarkFlagRequired("citizen-name")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Inspect and act on requests"}
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestActionCmd("process", "Take a pending request into handling", domain.StatusInProgress))
	req.AddCommand(requestActionCmd("validate", "Validate a request under handling", domain.StatusValidated))
	req.AddCommand(requestActionCmd("await-docs", "Ask the citizen for missing documents", domain.StatusAwaitingDocuments))
	req.AddCommand(requestActionCmd("resume", "Resume handling after documents arrived", domain.StatusInProgress))
	req.AddCommand(requestActionCmd("complete", "Close a validated request", domain.StatusCompleted))
	req.AddCommand(requestRejectCmd())
	req.AddCommand(requestAttachCmd())
	return req
}

func requestListCmd() *cobra.Command {
	var citizenID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.ServiceRequest
					err   error
				)
				if citizenID != "" {
					items, err = e.GetForCitizen(ctx, citizenID)
				} else {
					items, err = e.GetAll(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderRequests(items, nil)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&citizenID, "citizen-id", "", "scope to one citizen")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
}

func requestActionCmd(use, short string, target domain.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.UpdateStatus(ctx, args[0], target, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(req)
				}
				fmt.Printf("%s -> %s\n", req.CaseNumber, req.Status)
				return nil
			})
		},
	}
}

func requestRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a request with a motif",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status := domain.StatusRejected
				req, err := e.Update(ctx, args[0], engine.Patch{Status: &status, RejectionReason: &reason}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(req)
				}
				fmt.Printf("%s -> %s (%s)\n", req.CaseNumber, req.Status, reason)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection motif")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func requestAttachCmd() *cobra.Command {
	var name, docURL string
	cmd := &cobra.Command{
		Use:   "attach <id>",
		Short: "Attach a document reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.AttachDocument(ctx, args[0], domain.Document{Name: name, URL: docURL}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(req)
				}
				fmt.Printf("%s: %d documents\n", req.CaseNumber, len(req.Documents))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "document name")
	cmd.Flags().StringVar(&docURL, "url", "", "document url")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func queueCmd() *cobra.Command {
	var term, service, status, tab string
	var watch bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Agent queue dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q := agentqueue.New(agentqueue.Config{
					Store:           e,
					Notifier:        notify.Log{},
					ActorID:         viper.GetString("actor-id"),
					ActionTimeout:   e.Config.ActionTimeout(),
					HighlightWindow: e.Config.HighlightWindow(),
				})
				if err := q.Load(ctx); err != nil {
					return err
				}
				opts := agentqueue.FilterOptions{
					Term:    term,
					Service: service,
					Status:  domain.Status(status),
					Tab:     agentqueue.Tab(tab),
				}
				render := func() {
					st := q.StatsNow()
					fmt.Printf("total=%d pending=%d in_progress=%d processed=%d\n", st.Total, st.Pending, st.InProgress, st.Completed)
					renderRequests(q.Filter(opts), q)
				}
				render()
				if !watch {
					return nil
				}
				sub, err := subscribeLocal(e, func(ev domain.ChangeEvent) {
					q.OnRemoteEvent(ctx, ev)
					render()
				}, func() {
					q.OnResync(ctx)
					render()
				})
				if err != nil {
					return err
				}
				defer sub.Close()
				return waitForInterrupt(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&term, "term", "", "search term (case number, service, citizen)")
	cmd.Flags().StringVar(&service, "service", "", "filter by service")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&tab, "tab", "all", "tab: all|to_process|processing|processed")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow the change feed")
	return cmd
}

func ledgerCmd() *cobra.Command {
	var citizenID string
	var watch bool
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Citizen ledger view",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l := citizenledger.New(e, notify.Log{}, citizenID)
				if err := l.Load(ctx); err != nil {
					return err
				}
				render := func() {
					for _, req := range l.Requests() {
						badge := citizenledger.StatusBadge(req.Status)
						motif := ""
						if req.RejectionReason != nil {
							motif = " — " + *req.RejectionReason
						}
						fmt.Printf("%-16s %-35s %s%s\n", req.CaseNumber, req.ServiceRef.Name, badge.Label, motif)
					}
				}
				render()
				if !watch {
					return nil
				}
				sub, err := subscribeLocal(e, func(ev domain.ChangeEvent) {
					l.OnRemoteEvent(ctx, ev)
					render()
				}, func() {
					l.OnResync(ctx)
					render()
				})
				if err != nil {
					return err
				}
				defer sub.Close()
				return waitForInterrupt(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&citizenID, "citizen-id", "", "citizen identifier")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow the change feed")
	_ = cmd.MarkFlagRequired("citizen-id")
	return cmd
}

func feedCmd() *cobra.Command {
	feed := &cobra.Command{Use: "feed", Short: "Change feed"}
	var limit int
	var follow bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent change events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				head, err := e.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				cursor := head - int64(limit)
				if cursor < 0 {
					cursor = 0
				}
				events, err := e.Repo.EventsAfter(ctx, cursor, limit)
				if err != nil {
					return err
				}
				for _, ev := range events {
					printEvent(ev)
				}
				if !follow {
					return nil
				}
				sub, err := subscribeLocal(e, printEvent, func() {
					fmt.Println("-- channel resynced, events in the gap were lost --")
				})
				if err != nil {
					return err
				}
				defer sub.Close()
				return waitForInterrupt(ctx)
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "number of events")
	tail.Flags().BoolVar(&follow, "follow", false, "keep following the feed")
	feed.AddCommand(tail)
	return feed
}

func subscribeLocal(e engine.Engine, handler changefeed.Handler, onResync func()) (*changefeed.Subscription, error) {
	sub := &changefeed.Subscriber{
		Source:       e.Repo,
		PollInterval: e.Config.PollInterval(),
		MaxBackoff:   e.Config.MaxBackoff(),
	}
	return sub.Subscribe(changefeed.Options{Handler: handler, OnResync: onResync})
}

func waitForInterrupt(ctx context.Context) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	select {
	case <-ctx.Done():
	case <-sig:
	}
	return nil
}

func printEvent(ev domain.ChangeEvent) {
	from := ""
	if ev.Previous != nil {
		from = string(ev.Previous.Status) + " -> "
	}
	fmt.Printf("#%d %s %s %s %s%s\n", ev.ID, ev.TS, ev.Type, ev.Current.CaseNumber, from, ev.Current.Status)
}

func renderRequests(items []domain.ServiceRequest, q *agentqueue.Queue) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Case", "Citizen", "Service", "Status", "Updated", ""})
	for _, req := range items {
		mark := ""
		if q != nil && q.RecentlyChanged(req.ID) {
			mark = "*"
		}
		tw.AppendRow(table.Row{req.CaseNumber, req.CitizenName, req.ServiceRef.Name, req.Status, req.UpdatedAt, mark})
	}
	tw.Render()
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("api key %s created; secret (store it now): %s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}

	keys.AddCommand(create, list, revoke)
	return keys
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Development tokens"}
	var roles []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = e.Config.Auth.JWTSecret
				}
				token, err := server.IssueToken(secret, viper.GetString("actor-id"), roles, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	issue.Flags().StringSliceVar(&roles, "role", []string{"agent"}, "roles to embed")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	tok.AddCommand(issue)
	return tok
}
