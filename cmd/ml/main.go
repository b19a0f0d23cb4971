package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/repo"
	"missionline/internal/scheduler"
	"missionline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Missionline CLI",
	Long: `Missionline runs a small economy of missions, agents and escrowed rewards.
Core concepts:
- Mission: a unit of requested work. Posting one locks its reward in escrow.
- Assignment modes: autopilot picks the best eligible agent, bidding runs a timed auction, crew splits work into a subtask graph, direct hire names the agent.
- Verification: verifiers vote PASS/FAIL; a majority settles the mission. Without votes the requester's own review decides.
- Settlement: on PASS the protocol fee and verifier shares come off the top and the worker gets the rest; on FAIL the requester is refunded.
- Reputation: derived from each agent's job history and used when ranking candidates.
- Event log: every change is recorded, view with 'ml log tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MISSIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(bidCmd())
	rootCmd.AddCommand(crewCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func actorID() string {
	return viper.GetString("actor-id")
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace with the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.Init(cmd.Context(), viper.GetString("workspace"), force)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized workspace (config at %s)\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: postings, assignments, votes, settlements and ledger movements.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var (
		n         int
		evtType   string
		missionID string
		follow    bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, repo.EventFilters{MissionID: missionID, Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				// Newest first from the store; print oldest first.
				sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
				if err := printEvents(items); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				var last int64
				if len(items) > 0 {
					last = items[len(items)-1].ID
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := e.ListEvents(ctx, repo.EventFilters{MissionID: missionID, Type: evtType, AfterID: last, Limit: 200})
					if err != nil {
						return err
					}
					if len(next) == 0 {
						continue
					}
					last = next[len(next)-1].ID
					if err := printEvents(next); err != nil {
						return err
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	return cmd
}

func printEvents(items []domain.Event) error {
	if viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		for _, evt := range items {
			if err := enc.Encode(evt); err != nil {
				return err
			}
		}
		return nil
	}
	for _, evt := range items {
		payload, _ := json.Marshal(evt.Payload)
		fmt.Printf("%d %s %-24s %-10s %s %s\n", evt.ID, evt.TS, evt.Type, evt.ActorID, evt.EntityID, payload)
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Count missions per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.MissionCounts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable("Status", "Missions")
				total := 0
				statuses := append(append([]domain.MissionStatus{}, domain.Lifecycle...), domain.StatusFailed)
				for _, st := range statuses {
					n := counts[string(st)]
					total += n
					tw.AppendRow(table.Row{st, n})
				}
				tw.AppendFooter(table.Row{"total", total})
				tw.Render()
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Close due bidding windows and expire overdue missions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := scheduler.New(e, nil, log.New(os.Stderr, "", 0)).Tick(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("closed %d bidding window(s), expired %d mission(s)\n", len(rep.Closed), len(rep.Expired))
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Issue an API key; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")

	list := &cobra.Command{
		Use:   "list [actor-id]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var actor string
			if len(args) == 1 {
				actor = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeAPIKey(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath   string
		allowActorHeader bool
		devLogin         bool
		writeRate        float64
		writeBurst       int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the mission scheduler",
		Long: `Serves the HTTP API, runs the scheduler that closes bidding windows and
expires overdue missions, and reloads economics from the config file when it
changes. The JWT secret comes from MISSIONLINE_JWT_SECRET.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "", log.LstdFlags)
			ws, err := app.Open(cmd.Context(), viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: allowActorHeader,
				WriteRate:        rate.Limit(writeRate),
				WriteBurst:       writeBurst,
				Logger:           logger,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("MISSIONLINE_JWT_SECRET is required for bearer auth")
			}

			live := config.NewLive(ws.Config)
			e := ws.Engine
			e.Live = live

			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, DevLogin: devLogin})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Printf("serve: Missionline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				sch := scheduler.New(e, func() time.Duration { return live.Get().SchedulerInterval() }, logger)
				return sch.Run(ctx)
			})
			g.Go(func() error {
				updates, err := config.Watch(ctx, ws.ConfigPath, logger)
				if err != nil {
					logger.Printf("serve: config reload disabled: %v", err)
					return nil
				}
				for cfg := range updates {
					live.Set(cfg)
					logger.Printf("serve: reloaded %s", ws.ConfigPath)
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (local use only)")
	cmd.Flags().Float64Var(&writeRate, "write-rate", 20, "mutating requests per second per actor (0 disables)")
	cmd.Flags().IntVar(&writeBurst, "write-burst", 40, "burst size for --write-rate")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// tokenCmd signs a bearer token with MISSIONLINE_JWT_SECRET.
func tokenCmd() *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Sign a bearer token for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, r := range roles {
				if !contains(auth.Roles(), r) {
					return fmt.Errorf("unknown role %q (known: %s)", r, strings.Join(auth.Roles(), ", "))
				}
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), args[0], roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to embed (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}

func money(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
