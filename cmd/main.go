package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"crmsync/internal/auth"
	"crmsync/internal/config"
	"crmsync/internal/google"
	"crmsync/internal/icloud"
	"crmsync/internal/models"
	"crmsync/internal/scheduler"
	"crmsync/internal/server"
	"crmsync/internal/store"
	"crmsync/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "crmsync",
		Usage: "Keep the CRM calendar and each agent's external calendar in step.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to a TOML config file.", EnvVars: []string{"CRMSYNC_CONFIG"}},
			&cli.StringFlag{Name: "db", Usage: "SQLite database path. Overrides database_path."},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error. Overrides log_level."},
			&cli.StringFlag{Name: "integration", Usage: "google or caldav. Overrides integration_type."},
		},
		Commands: []*cli.Command{
			configCommand(),
			connectCommand(),
			disconnectCommand(),
			credentialsCommand(),
			eventsCommand(),
			tasksCommand(),
			syncCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// env is the process state shared by the commands.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	loc    *time.Location
}

// setup loads the configuration and opens the store.
func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"), os.Getenv)
	if err != nil {
		return nil, err
	}
	if c.IsSet("db") {
		cfg.DatabasePath = c.String("db")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("integration") {
		cfg.IntegrationType = c.String("integration")
	}

	logger := setupLogger(cfg.LogLevel)
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath, models.RealClock{}, models.UUIDGenerator{})
	if err != nil {
		return nil, err
	}
	logger.Debug("Opened database.", "path", cfg.DatabasePath)
	return &env{cfg: cfg, logger: logger, store: st, loc: loc}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Error("Failed to close database", "error", err)
	}
}

func (e *env) oauthConfig() *oauth2.Config {
	g := e.cfg.Google
	return auth.GoogleConfig(g.ClientID, g.ClientSecret, g.RedirectURL, g.AuthURL, g.TokenURL)
}

// newSyncer wires the engine for the configured integration.
func (e *env) newSyncer(dryRun bool) (*syncer.Syncer, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var (
		provider syncer.Provider
		tokens   syncer.TokenResolver
	)
	switch e.cfg.IntegrationType {
	case models.IntegrationCalDAV:
		provider = icloud.NewClient(e.logger, e.cfg.CalDAV.ServerURL, e.cfg.CalDAV.CalendarName, nil, nil)
		tokens = syncer.StaticTokens{}
	default:
		provider = google.NewClient(e.logger, google.Options{
			CalendarID: e.cfg.CalendarID,
			Endpoint:   e.cfg.Google.Endpoint,
			Location:   e.loc,
		})
		tokens = auth.NewRefresher(e.logger, e.oauthConfig(), e.store, nil)
	}

	var guard syncer.Guard
	switch e.cfg.Guard.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     e.cfg.Guard.RedisAddr,
			Password: e.cfg.Guard.RedisPassword,
			DB:       e.cfg.Guard.RedisDB,
		})
		guard = syncer.NewRedisGuard(e.logger, client, e.cfg.Guard.TTL.Duration)
	default:
		guard = syncer.NewMemoryGuard(e.cfg.Guard.TTL.Duration)
	}

	past, future := e.cfg.Window()
	return syncer.NewSyncer(e.logger, e.store, tokens, provider, guard, nil, syncer.Options{
		IntegrationType: e.cfg.IntegrationType,
		WindowPast:      past,
		WindowFuture:    future,
		CallTimeout:     e.cfg.CallTimeout.Duration,
		DefaultTitle:    e.cfg.DefaultTitle,
		DryRun:          dryRun,
	}), nil
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file.",
		Subcommands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "Write a config file with the default settings.",
				ArgsUsage: "PATH",
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						path = "crmsync.toml"
					}
					if err := config.Init(path, config.Default()); err != nil {
						return err
					}
					fmt.Printf("Wrote %s\n", path)
					return nil
				},
			},
		},
	}
}

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Connect a user's external calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "CRM user id."},
			&cli.StringFlag{Name: "account", Usage: "Provider account (the CalDAV username)."},
			&cli.StringFlag{Name: "code", Usage: "OAuth authorization code. Prompted when empty."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.Close()

			userID := c.String("user")
			reader := bufio.NewReader(os.Stdin)

			if e.cfg.IntegrationType == models.IntegrationCalDAV {
				account := c.String("account")
				if account == "" {
					return fmt.Errorf("--account is required for caldav")
				}
				fmt.Print("Enter app-specific password: ")
				password, _ := reader.ReadString('\n')
				password = strings.TrimSpace(password)
				if password == "" {
					return fmt.Errorf("no password entered")
				}
				err := e.store.UpsertCredential(c.Context, userID, models.IntegrationCalDAV, models.Tokens{
					Account:     account,
					AccessToken: password,
				})
				if err != nil {
					return fmt.Errorf("failed to save credential: %w", err)
				}
				e.logger.Info("Connected CalDAV calendar.", "user", userID, "account", account)
				return nil
			}

			cfg := e.oauthConfig()
			code := c.String("code")
			if code == "" {
				fmt.Printf("Go to the following link in your browser then type the "+
					"authorization code: \n%v\n", auth.AuthCodeURL(cfg, models.UUIDGenerator{}.New()))
				fmt.Print("Enter Authorization Code: ")
				code, _ = reader.ReadString('\n')
				code = strings.TrimSpace(code)
			}

			if err := auth.Connect(c.Context, cfg, e.store, userID, c.String("account"), code); err != nil {
				return err
			}
			e.logger.Info("Successfully authenticated and saved token.", "user", userID)
			return nil
		},
	}
}

func disconnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "Deactivate a user's calendar credential. The record is kept.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "CRM user id."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.DeactivateCredential(c.Context, c.String("user"), e.cfg.IntegrationType); err != nil {
				return err
			}
			e.logger.Info("Disconnected calendar.", "user", c.String("user"), "integration", e.cfg.IntegrationType)
			return nil
		},
	}
}

func credentialsCommand() *cli.Command {
	return &cli.Command{
		Name:  "credentials",
		Usage: "Show a user's credential history.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "CRM user id."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.Close()

			creds, err := e.store.CredentialHistory(c.Context, c.String("user"))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INTEGRATION\tACCOUNT\tACTIVE\tEXPIRY\tCREATED")
			for _, cr := range creds {
				expiry := "-"
				if !cr.Expiry.IsZero() {
					expiry = cr.Expiry.In(e.loc).Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", cr.IntegrationType, cr.Account, cr.Active, expiry, cr.CreatedAt.In(e.loc).Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Manage local calendar events.",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create a local event. It is exported on the next sync.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
					&cli.StringFlag{Name: "title", Required: true},
					&cli.StringFlag{Name: "start", Required: true, Usage: "RFC3339, '2006-01-02 15:04', or a date for all-day events."},
					&cli.StringFlag{Name: "end", Usage: "Defaults to one hour after start, or the next day for all-day events."},
					&cli.BoolFlag{Name: "all-day"},
					&cli.StringFlag{Name: "description"},
					&cli.StringFlag{Name: "location"},
					&cli.StringFlag{Name: "color"},
				},
				Action: func(c *cli.Context) error {
					e, err := setup(c)
					if err != nil {
						return err
					}
					defer e.Close()

					start, err := parseTime(c.String("start"), e.loc)
					if err != nil {
						return err
					}
					end := start.Add(models.DefaultDuration)
					if c.Bool("all-day") {
						end = start.AddDate(0, 0, 1)
					}
					if c.IsSet("end") {
						if end, err = parseTime(c.String("end"), e.loc); err != nil {
							return err
						}
					}

					ev := &models.LocalEvent{
						UserID:      c.String("user"),
						Kind:        models.KindEvent,
						Title:       c.String("title"),
						Description: c.String("description"),
						Location:    c.String("location"),
						Color:       c.String("color"),
						StartTime:   start,
						EndTime:     end,
						AllDay:      c.Bool("all-day"),
					}
					if err := e.store.CreateEvent(c.Context, ev); err != nil {
						return err
					}
					fmt.Println(ev.ID)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List a user's local events.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
				},
				Action: func(c *cli.Context) error {
					e, err := setup(c)
					if err != nil {
						return err
					}
					defer e.Close()

					events, err := e.store.ListEvents(c.Context, c.String("user"))
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tKIND\tSTART\tEND\tTITLE\tEXTERNAL ID")
					for _, ev := range events {
						external := ev.ExternalID
						if external == "" {
							external = "-"
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", ev.ID, ev.Kind,
							ev.StartTime.In(e.loc).Format("2006-01-02 15:04"),
							ev.EndTime.In(e.loc).Format("2006-01-02 15:04"),
							ev.Title, external)
					}
					return w.Flush()
				},
			},
		},
	}
}

func tasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Manage CRM tasks that appear on the calendar.",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create a task. Its calendar entry spans one hour from the due time.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
					&cli.StringFlag{Name: "title", Required: true},
					&cli.StringFlag{Name: "due", Required: true, Usage: "RFC3339 or '2006-01-02 15:04'."},
					&cli.StringFlag{Name: "description"},
				},
				Action: func(c *cli.Context) error {
					e, err := setup(c)
					if err != nil {
						return err
					}
					defer e.Close()

					due, err := parseTime(c.String("due"), e.loc)
					if err != nil {
						return err
					}
					ev := models.NewTaskEvent(c.String("user"), c.String("title"), c.String("description"), due)
					if err := e.store.CreateEvent(c.Context, ev); err != nil {
						return err
					}
					fmt.Println(ev.ID)
					return nil
				},
			},
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run the sync cycle once and exit."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds. Overrides --once."},
			&cli.StringFlag{Name: "user", Usage: "Sync a single user now."},
			&cli.IntFlag{Name: "concurrency", Usage: "Users synced in parallel. Overrides concurrency."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.Close()

			if c.Bool("dry-run") {
				e.logger.Info("Performing a dry run. No changes will be made.")
			}
			s, err := e.newSyncer(c.Bool("dry-run"))
			if err != nil {
				return err
			}

			if userID := c.String("user"); userID != "" {
				outcome, err := s.Sync(c.Context, userID)
				printJSON(outcome)
				if errors.Is(err, syncer.ErrNoCredential) || errors.Is(err, syncer.ErrSyncInProgress) {
					return err
				}
				return nil
			}

			concurrency := e.cfg.Concurrency
			if c.IsSet("concurrency") {
				concurrency = c.Int("concurrency")
			}
			sched := scheduler.New(e.logger, e.store, s, nil, concurrency)

			// --watch flag takes precedence
			if c.IsSet("watch") {
				interval, err := watchInterval(c.Int("watch"))
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
				defer stop()
				sched.Watch(ctx, interval)
				return nil
			}

			// --once is the default behavior if --watch is not set
			e.logger.Info("Running a single sync cycle.")
			printJSON(sched.Run(c.Context))
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the sync triggers over HTTP.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "Listen address. Overrides listen_addr."},
			&cli.IntFlag{Name: "watch", Usage: "Also run sync every N seconds."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.Close()

			s, err := e.newSyncer(false)
			if err != nil {
				return err
			}
			sched := scheduler.New(e.logger, e.store, s, nil, e.cfg.Concurrency)

			var connect server.Connector
			if e.cfg.IntegrationType == models.IntegrationGoogle {
				connect = auth.NewConnector(e.oauthConfig(), e.store, auth.NewStateStore(auth.DefaultStateTTL, nil))
			}
			srv := server.New(server.NewAPI(e.logger, sched, s, connect, e.store.Ping))

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if c.IsSet("watch") {
				interval, err := watchInterval(c.Int("watch"))
				if err != nil {
					return err
				}
				go sched.Watch(ctx, interval)
			}

			addr := e.cfg.ListenAddr
			if c.IsSet("listen") {
				addr = c.String("listen")
			}
			errCh := make(chan error, 1)
			go func() {
				e.logger.Info("Listening.", "addr", addr)
				errCh <- srv.Start(addr)
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			e.logger.Info("Shutting down.")
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// watchInterval converts the --watch seconds into a ticker interval.
func watchInterval(seconds int) (time.Duration, error) {
	if seconds < 1 {
		return 0, cli.Exit(fmt.Sprintf("--watch must be at least 1 second, got %d", seconds), 2)
	}
	return time.Duration(seconds) * time.Second, nil
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"}

// parseTime accepts RFC3339 or a local wall time in loc.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time '%s'", s)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
