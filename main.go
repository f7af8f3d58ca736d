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
	"syscall"
	"time"

	"equipment_lending/app"
	"equipment_lending/db"
	"equipment_lending/models"
	"equipment_lending/notify"
	"equipment_lending/reconciler"
	"equipment_lending/routes"
	"equipment_lending/session"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	root := &cli.Command{
		Name:  "lending",
		Usage: "Campus equipment lending server and admin tools",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			sweepCommand(),
			userCommand(),
			sessionCommand(),
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return serve(ctx, app.LoadConfig())
		},
	}
	if err := root.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the sweep scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "port", Usage: "listen port (overrides PORT)"},
			&cli.BoolFlag{Name: "no-sweeps", Usage: "do not schedule the background sweeps"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := app.LoadConfig()
			if p := c.String("port"); p != "" {
				cfg.Port = p
			}
			if c.Bool("no-sweeps") {
				cfg.Sweeps = reconciler.Intervals{}
			}
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg app.Config) error {
	logger, err := app.NewLogger(cfg)
	if err != nil {
		return err
	}
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	routes.RegisterRoutes(application.Router, application)

	sched, err := reconciler.NewScheduler(application.Reconciler, cfg.Sweeps, logger.Named("sweep"))
	if err != nil {
		return err
	}
	sched.Start()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: application.Router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("sweeps did not stop in time", zap.Error(err))
	}
	return srv.Shutdown(shutdownCtx)
}

// openStore connects and migrates; the caller closes the returned db.
func openStore(cfg app.Config) (*gorm.DB, *db.Repo, error) {
	gdb, err := app.OpenDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		closeDB(gdb)
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return gdb, db.NewRepo(gdb), nil
}

func closeDB(gdb *gorm.DB) {
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the schema and indexes",
		Action: func(ctx context.Context, _ *cli.Command) error {
			gdb, _, err := openStore(app.LoadConfig())
			if err != nil {
				return err
			}
			closeDB(gdb)
			fmt.Println("schema up to date")
			return nil
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Run one sweep now and print its report",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "job", Required: true, Usage: "overdue | presence | repair"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			job, err := reconciler.ParseJob(c.String("job"))
			if err != nil {
				return err
			}
			cfg := app.LoadConfig()
			logger, err := app.NewLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			gdb, repo, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeDB(gdb)

			// notifications are stored only; nobody is subscribed to a one-shot run
			notifier := notify.New(repo, repo, logger.Named("notify"))
			eng := app.NewEngine(repo, notifier, logger)
			rep, err := reconciler.New(eng, logger.Named("sweep")).Run(ctx, job)
			notifier.Wait()
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
}

func userCommand() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Account administration",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create an account (bootstrap staff and admins)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Required: true},
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "name", Usage: "full name"},
					&cli.StringFlag{Name: "student-id"},
					&cli.StringFlag{Name: "role", Value: string(models.RoleStudent), Usage: "Student | Staff | Security | IT | Admin"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					gdb, repo, err := openStore(app.LoadConfig())
					if err != nil {
						return err
					}
					defer closeDB(gdb)
					u, err := app.CreateUser(ctx, repo, app.NewUser{
						Username:  c.String("username"),
						FullName:  c.String("name"),
						Email:     c.String("email"),
						StudentID: c.String("student-id"),
						Role:      models.Role(c.String("role")),
					})
					if err != nil {
						return err
					}
					return printJSON(u)
				},
			},
		},
	}
}

func sessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Development sessions",
		Commands: []*cli.Command{
			{
				Name:  "issue",
				Usage: "Issue a session for an existing user and print its id",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg := app.LoadConfig()
					gdb, repo, err := openStore(cfg)
					if err != nil {
						return err
					}
					defer closeDB(gdb)
					u, err := repo.FindUserByUsername(ctx, c.String("username"))
					if err != nil {
						return fmt.Errorf("user %s: %w", c.String("username"), err)
					}
					rdb, err := app.OpenRedis(ctx, cfg)
					if err != nil {
						return err
					}
					defer rdb.Close()
					id, err := session.NewAppSessionStore(rdb, cfg.SessionTTL).Issue(ctx, u.ID)
					if err != nil {
						return err
					}
					return printJSON(map[string]any{
						"session":   id,
						"cookie":    app.AppSessionCookie,
						"userId":    u.ID,
						"role":      u.Role,
						"expiresIn": cfg.SessionTTL.String(),
					})
				},
			},
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
