package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentmarket/internal/app"
	"agentmarket/internal/config"
	"agentmarket/internal/db"
	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
	"agentmarket/internal/migrate"
	"agentmarket/internal/observability"
	"agentmarket/internal/repo"
	"agentmarket/internal/server"
	"agentmarket/internal/watch"
	marketsdk "agentmarket/sdk/go"
)

var (
	logCleanup      = func() {}
	tracingShutdown = func(context.Context) error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "market",
	Short: "Agent market CLI",
	Long: `market runs a small economy of autonomous agents that buy and sell goods.
Core concepts:
- Workspace: a directory holding market.yml and the .market ledger (SQLite).
- Agents: participants with a wallet, inventory and an optional provider catalog.
- Jobs: one transaction between a client and a provider, optionally judged by an evaluator.
  Phases go REQUEST -> NEGOTIATION -> TRANSACTION -> EVALUATION -> COMPLETE (REJECTED is the exit).
- Chats: every job has one; an agent must read unread messages before acting on the job.
- Actions: find, request, read, accept, reject, negotiate, pay, deliver, evaluate_*, make_*, harvest_lemons.
- Event log: every state change, view with 'market log tail' or 'market watch'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		out := io.Writer(os.Stderr)
		if cmd.Name() == "serve" {
			out = os.Stdout
		}
		cleanup, err := setupLogger(viper.GetString("log-level"), viper.GetString("log-file"), out)
		if err != nil {
			return err
		}
		logCleanup = cleanup
		shutdown, err := observability.InitTracing(observability.TracingConfig{
			Service:  "agentmarket",
			Exporter: viper.GetString("otel-exporter"),
			Endpoint: viper.GetString("otel-endpoint"),
			Headers:  viper.GetString("otel-headers"),
			Insecure: viper.GetBool("otel-insecure"),
			Ratio:    viper.GetFloat64("otel-ratio"),
		})
		if err != nil {
			return err
		}
		tracingShutdown = shutdown
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := tracingShutdown(ctx)
		logCleanup()
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MARKET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "also append logs to this file")
	flags.String("otel-exporter", "none", "trace exporter (none, stdout, otlp, otlphttp)")
	flags.String("otel-endpoint", "", "OTLP endpoint")
	flags.String("otel-headers", "", "OTLP headers as k=v,k=v")
	flags.Bool("otel-insecure", false, "disable TLS for the OTLP exporter")
	flags.Float64("otel-ratio", 1, "trace sampling ratio")
	flags.String("jwt-secret", "", "HMAC secret for bearer tokens")
	for _, name := range []string{"workspace", "json", "log-level", "log-file", "otel-exporter", "otel-endpoint", "otel-headers", "otel-insecure", "otel-ratio", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(actCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create market.yml and the ledger, then seed the agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(os.Stderr, "%s exists, keeping it (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.DefaultYAML), 0o644); err != nil {
					return err
				}
			}
			return runSeed(cmd.Context(), workspace)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing market.yml")
	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the configured agents that are not in the ledger yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), viper.GetString("workspace"))
		},
	}
}

func runSeed(ctx context.Context, workspace string) error {
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := openLedger(ctx, workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	res, err := app.Seed(ctx, conn, cfg, time.Now())
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("Seeded %s at %s: %d created, %d existing\n", cfg.Market.Name, db.Path(workspace), len(res.Created), len(res.Existing))
	return nil
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Inspect agents"}
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentStateCmd())
	agent.AddCommand(agentTokenCmd())
	return agent
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents and balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Balance", "Evaluator", "Goal"})
				for _, a := range agents {
					balance := "-"
					if w, err := e.Repo.GetWalletByAgent(ctx, nil, a.ID); err == nil {
						balance = w.Balance.String()
					}
					tw.AppendRow(table.Row{a.ID, a.Name, balance, a.Evaluator, a.Goal})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <agent>",
		Short: "Show the wallet, inventory, jobs and chat notifications of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.State(ctx, resolveAgent(args[0]))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("%s (%s)  wallet %s  balance %s\n\n", st.Agent.Name, st.Agent.ID, st.Wallet.Address, st.Wallet.Balance)
				inv := newTable()
				inv.SetTitle("Inventory")
				inv.AppendHeader(table.Row{"ID", "Item", "Quantity"})
				for _, it := range st.Inventory {
					inv.AppendRow(table.Row{it.ID, it.Name, it.Quantity})
				}
				inv.Render()
				jobs := newTable()
				jobs.SetTitle("Jobs")
				jobs.AppendHeader(table.Row{"ID", "Role", "Counterpart", "Phase", "Budget", "Chat"})
				for _, j := range st.Jobs {
					jobs.AppendRow(table.Row{j.ID, j.Role, j.CounterpartID, j.Phase, j.Budget, j.ChatID})
				}
				jobs.Render()
				chats := newTable()
				chats.SetTitle("Chats")
				chats.AppendHeader(table.Row{"ID", "Job", "Counterpart", "Notification"})
				for _, c := range st.Chats {
					chats.AppendRow(table.Row{c.ID, c.JobID, c.CounterpartID, c.Notification})
				}
				chats.Render()
				return nil
			})
		},
	}
}

func agentTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <agent>",
		Short: "Sign a bearer token for an agent with MARKET_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("MARKET_JWT_SECRET is required to sign tokens")
			}
			agentID := resolveAgent(args[0])
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetAgent(ctx, nil, agentID); err != nil {
					return fmt.Errorf("agent %s: %w", agentID, err)
				}
				token, err := server.SignToken(secret, agentID, ttl)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"agent_id": agentID, "token": token})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", server.DefaultTokenTTL, "token lifetime")
	return cmd
}

func actCmd() *cobra.Command {
	var as, rawArgs string
	var sets []string
	var list bool
	cmd := &cobra.Command{
		Use:   "act <action>",
		Short: "Run a named action as an agent",
		Long: `Runs one action through the same dispatcher the HTTP API uses.
Arguments come from --args as a JSON object and/or repeated --set key=value pairs, e.g.
  market act request --as Lemo --set providerId=agent-zestie --set itemName=Lemon --set quantity=10 --set evaluatorId=NONE`,
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return nil
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				for _, name := range engine.Actions() {
					fmt.Println(name)
				}
				return nil
			}
			if as == "" {
				return fmt.Errorf("--as required")
			}
			body, err := actionArgs(rawArgs, sets)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res := e.Dispatch(ctx, resolveAgent(as), args[0], body)
				if err := printResult(res); err != nil {
					return err
				}
				if !res.OK() {
					return fmt.Errorf("%s failed", args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "acting agent name or id")
	cmd.Flags().StringVar(&rawArgs, "args", "", "action arguments as a JSON object")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "action argument key=value (repeatable)")
	cmd.Flags().BoolVar(&list, "list", false, "list available actions")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect jobs"}
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	return job
}

func jobListCmd() *cobra.Command {
	var agent, phase string
	var active bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.JobFilters{Phase: strings.ToUpper(phase), Active: active}
			if agent != "" {
				f.AgentID = resolveAgent(agent)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.Repo.ListJobs(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Client", "Provider", "Evaluator", "Phase", "Budget", "Escrow", "Updated"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.ClientID, j.ProviderID, orDash(j.Evaluator()), j.Phase, j.Budget, j.EscrowAmount, j.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "only jobs this agent takes part in")
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().BoolVar(&active, "active", false, "only jobs not COMPLETE or REJECTED")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its item and chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.Repo.GetJob(ctx, nil, args[0])
				if err != nil {
					return fmt.Errorf("job %s: %w", args[0], err)
				}
				item, err := e.Repo.GetJobItem(ctx, nil, job.ID)
				if err != nil {
					return fmt.Errorf("job item %s: %w", job.ID, err)
				}
				chat, err := e.Repo.GetChatByJob(ctx, nil, job.ID)
				if err != nil {
					return fmt.Errorf("chat of %s: %w", job.ID, err)
				}
				msgs, err := e.Repo.ListMessages(ctx, nil, chat.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"job": job, "item": item, "chat": chat, "messages": msgs})
				}
				fmt.Printf("%s  %s\n", job.ID, job.Phase)
				fmt.Printf("client %s  provider %s  evaluator %s\n", job.ClientID, job.ProviderID, orDash(job.Evaluator()))
				fmt.Printf("%d x %s @ %s = %s  (escrow %s)\n", item.Quantity, item.ItemName, item.PricePerUnit, item.Total(), job.EscrowAmount)
				if item.Requirements != "" {
					fmt.Printf("requirements: %s\n", item.Requirements)
				}
				if job.TransactionHash != nil {
					fmt.Printf("transaction: %s\n", *job.TransactionHash)
				}
				fmt.Println()
				printMessages(chat, msgs)
				return nil
			})
		},
	}
}

func chatCmd() *cobra.Command {
	chat := &cobra.Command{Use: "chat", Short: "Job chats"}
	chat.AddCommand(chatReadCmd())
	return chat
}

func chatReadCmd() *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "read <chat-id>",
		Short: "Read a chat as an agent and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if as == "" {
				return fmt.Errorf("--as required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.Read(ctx, engine.ReadOptions{AgentID: resolveAgent(as), ChatID: args[0]})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				chat, err := e.Repo.GetChat(ctx, nil, args[0])
				if err != nil {
					return err
				}
				printMessages(chat, msgs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "reading agent name or id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every state change of the market: requests, negotiation, payments, deliveries, production and reads.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var follow bool
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.AgentID != "" {
				f.AgentID = resolveAgent(f.AgentID)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				// newest first from the store; print oldest first like a log
				for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
					events[i], events[j] = events[j], events[i]
				}
				var cursor int64
				if len(events) > 0 {
					cursor = events[len(events)-1].ID
				} else if cursor, err = e.Repo.LatestEventID(ctx); err != nil {
					return err
				}
				if err := printEvents(events); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := e.Repo.EventsAfter(ctx, 100, cursor, f)
					if err != nil {
						return err
					}
					if len(next) == 0 {
						continue
					}
					cursor = next[len(next)-1].ID
					if err := printEvents(next); err != nil {
						return err
					}
				}
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.JobID, "job", "", "job id filter")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (job, chat, wallet, inventory, agent)")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAgentHeader, devTokens bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowAgentHeader: allowAgentHeader,
				AllowDevTokens:   devTokens,
			}
			if authCfg.JWTSecret == "" && !allowAgentHeader {
				return fmt.Errorf("MARKET_JWT_SECRET is required unless --allow-agent-header is set")
			}
			if devTokens && authCfg.JWTSecret == "" {
				return fmt.Errorf("--dev-tokens needs MARKET_JWT_SECRET")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, e, e.Logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				e.Logger.Info("serving market API", "addr", "http://"+addr+basePath, "market", e.Config.Market.Name, "openapi", basePath+"/openapi.json", "docs", basePath+"/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAgentHeader, "allow-agent-header", false, "trust X-Agent-Id (local development only)")
	cmd.Flags().BoolVar(&devTokens, "dev-tokens", false, "enable POST /auth/dev/token (local development only)")
	return cmd
}

func watchCmd() *cobra.Command {
	var url, apiKey, token, as string
	var refresh time.Duration
	var after int64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of agents, jobs and events from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := marketsdk.New(url)
			client.APIKey = apiKey
			client.BearerToken = token
			if as != "" {
				client.AgentID = resolveAgent(as)
			}
			if client.APIKey == "" && client.BearerToken == "" && client.AgentID == "" {
				return fmt.Errorf("one of --api-key, --token or --as is required")
			}
			return watch.Run(client, watch.Options{Title: "agent market", Refresh: refresh, After: after})
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8080", "server URL")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("MARKET_API_KEY"), "agent API key")
	cmd.Flags().StringVar(&token, "token", os.Getenv("MARKET_TOKEN"), "bearer token")
	cmd.Flags().StringVar(&as, "as", "", "agent to send as X-Agent-Id (server must allow it)")
	cmd.Flags().DurationVar(&refresh, "refresh", 2*time.Second, "poll interval")
	cmd.Flags().Int64Var(&after, "after", 0, "start the event feed after this id")
	return cmd
}

// --- helpers ---

func openLedger(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := openLedger(ctx, workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	e, err := app.NewEngine(conn, cfg, workspace, nil)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

// resolveAgent accepts an agent id or a configured agent name.
func resolveAgent(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "agent-") {
		return s
	}
	return config.AgentID(s)
}

// actionArgs merges a JSON object with key=value pairs into one request body.
func actionArgs(raw string, sets []string) (json.RawMessage, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: expected key=value", kv)
		}
		args[key] = value
	}
	return json.Marshal(args)
}

func printResult(res engine.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	status := "ok"
	if !res.OK() {
		status = "FAILED"
		if res.Kind != "" {
			status += " (" + res.Kind + ")"
		}
	}
	fmt.Printf("%s: %s\n", status, res.Message)
	if len(res.Metadata) > 0 {
		b, _ := json.MarshalIndent(res.Metadata, "", "  ")
		fmt.Println(string(b))
	}
	return nil
}

func printMessages(chat domain.Chat, msgs []domain.Message) {
	if len(msgs) == 0 {
		fmt.Printf("%s: no messages\n", chat.ID)
		return
	}
	tw := newTable()
	tw.SetTitle(chat.ID)
	tw.AppendHeader(table.Row{"At", "Author", "Message"})
	for _, m := range msgs {
		tw.AppendRow(table.Row{m.CreatedAt, m.AuthorID, m.Message})
	}
	tw.Render()
}

func printEvents(events []domain.Event) error {
	if viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		for _, evt := range events {
			if err := enc.Encode(evt); err != nil {
				return err
			}
		}
		return nil
	}
	for _, evt := range events {
		subject := evt.JobID
		if subject == "" {
			subject = evt.EntityKind + ":" + evt.EntityID
		}
		fmt.Printf("%6s  %s  %-22s %-28s %-16s %s\n", strconv.FormatInt(evt.ID, 10), evt.TS, evt.Type, subject, evt.AgentID, evt.Payload)
	}
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
