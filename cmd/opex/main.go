package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opex/internal/app"
	"opex/internal/approval"
	"opex/internal/config"
	"opex/internal/db"
	"opex/internal/engine"
	"opex/internal/engine/auth"
	"opex/internal/migrate"
	"opex/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "opex",
	Short: "Opex approvals CLI",
	Long: `Opex routes operational requests through a chain of approvers.
Core concepts:
- Request: an Extra Cleaning Agents Request for one store, with a category and the date it is needed by.
- Chain: the ordered approvers a request must pass. The base chain is AreaManager then HeadOfOperations.
- Rules: skip or add a role when a request attribute matches (store contains "Happy" skips the Area Manager, category Helpers adds HR).
- Decision: the current approver approves or rejects, in the API or by following the e-mailed link.
- Outbox: e-mails are queued with the decision and delivered by the dispatcher, with retries.
- Escalation: requests pending too long, and overdue action items, are raised to a higher role once.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("db-driver") != "" && viper.GetString("db-driver") != "sqlite" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
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
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPEX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding opex.yml and .opex/")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "e-mail of the person running the command")
	rootCmd.PersistentFlags().String("db-driver", "", "sqlite or postgres (overrides opex.yml)")
	rootCmd.PersistentFlags().String("db-dsn", "", "database DSN")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "", "json or console")
	for _, name := range []string{"workspace", "json", "actor", "db-driver", "db-dsn", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(outboxCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write opex.yml and create the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists, keeping it (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println(color.GreenString("wrote"), path)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := migrate.Version(a.DB)
				if err != nil {
					return err
				}
				fmt.Printf("database ready (%s, schema version %d)\n", a.Dialect, v)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing opex.yml")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(cmd.Context(), appOptions(true))
			if err != nil {
				return err
			}
			defer a.Close()
			v, err := migrate.Version(a.DB)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"dialect": a.Dialect, "version": v})
			}
			fmt.Printf("schema version %d (%s)\n", v, a.Dialect)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath, grpcAddr string
	var publicRate float64
	var publicBurst int
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the notification dispatcher and the escalation sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, appOptions(false))
			if err != nil {
				return err
			}
			defer a.Close()
			sessions, err := a.Sessions(ctx)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:    a.Secrets.JWTSecret,
				LegacyHeader: a.Config.Auth.LegacyHeader,
				DevLogin:     a.Config.Auth.DevLogin,
				SessionTTL:   a.Config.Sessions.TTL,
				Log:          a.Log,
			}
			if authCfg.JWTSecret == "" && !authCfg.DevLogin && !authCfg.LegacyHeader {
				a.Log.Warn().Msg("OPEX_JWT_SECRET is not set; only API keys and sessions can authenticate")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Sessions: sessions,
				Links:    a.Links,
				Public:   server.PublicConfig{RatePerSecond: publicRate, Burst: publicBurst},
				Log:      a.Log,
			})
			if err != nil {
				return err
			}

			workCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			var wg sync.WaitGroup
			if !noWorkers {
				dispatcher, err := a.Dispatcher()
				if err != nil {
					return err
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					dispatcher.Run(workCtx)
				}()
				if a.Config.Escalation.Enabled {
					wg.Add(1)
					go func() {
						defer wg.Done()
						a.Engine.RunEscalations(auth.WithPrincipal(workCtx, auth.System("escalation")), a.Config.Escalation.Interval)
					}()
				}
			}

			errCh := make(chan error, 2)
			if grpcAddr != "" {
				lis, err := net.Listen("tcp", grpcAddr)
				if err != nil {
					return err
				}
				gs, health := server.NewGRPCServer(a.Log)
				go func() {
					if err := gs.Serve(lis); err != nil {
						errCh <- fmt.Errorf("grpc: %w", err)
					}
				}()
				defer func() {
					health.Shutdown()
					gs.GracefulStop()
				}()
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			color.Cyan("Serving Opex API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", addr, basePath, basePath)
			if grpcAddr != "" {
				color.Cyan("gRPC health on %s", grpcAddr)
			}

			select {
			case <-ctx.Done():
			case err = <-errCh:
			}
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
			cancel()
			wg.Wait()
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listen address (disabled when empty)")
	cmd.Flags().Float64Var(&publicRate, "public-rate", 1, "decision-link requests per second per client")
	cmd.Flags().IntVar(&publicBurst, "public-burst", 10, "decision-link burst per client")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not run the dispatcher and escalation loops")
	return cmd
}

// --- helpers ---

func appOptions(skipSeed bool) app.Options {
	return app.Options{
		Workspace: viper.GetString("workspace"),
		DBDriver:  viper.GetString("db-driver"),
		DBDSN:     viper.GetString("db-dsn"),
		LogLevel:  viper.GetString("log-level"),
		LogFormat: viper.GetString("log-format"),
		SkipSeed:  skipSeed,
	}
}

// withApp opens the workspace and runs fn as the CLI principal. The local
// operator is trusted with every permission; --actor is recorded in events.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, appOptions(false))
	if err != nil {
		return err
	}
	defer a.Close()
	name := "cli"
	if actor := strings.TrimSpace(viper.GetString("actor")); actor != "" {
		name = actor
	}
	return fn(auth.WithPrincipal(ctx, auth.System(name)), a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
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

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func colorStatus(status string) string {
	switch status {
	case string(approval.StatusApproved), string(approval.StepApproved), "sent", "done", "resolved":
		return color.GreenString(status)
	case string(approval.StatusRejected), "failed":
		return color.RedString(status)
	default:
		return color.YellowString(status)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
