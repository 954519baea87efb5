package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"village/internal/api"
	"village/internal/database"
	"village/internal/events"
	"village/internal/metrics"
	"village/internal/notify"
	"village/internal/registry"
	"village/internal/report"
	"village/internal/service"
)

const dateLayout = "2006-01-02"

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API with notifications, health and metrics",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, c.String("config"))
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg, logger := rt.cfg, &rt.logger

			bus := events.NewEventBus(cfg.Notifications.QueueSize, logger)
			bookings := service.NewBookingService(rt.store, rt.store, rt.locker(), bus, nil, logger)
			products := registry.NewService(rt.store, bookings, bus, registry.DefaultRetryConfig(), logger)

			ranker := rt.ranker()
			ranker.Subscribe(bus)

			notifier, err := rt.notifier()
			if err != nil {
				return err
			}
			notify.Subscribe(bus, notifier)

			busDone := make(chan struct{})
			go func() {
				defer close(busDone)
				bus.Run(ctx)
			}()

			go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, rt.store, rt.rdb, logger)
			if cfg.Monitoring.PrometheusEnabled {
				metrics.Register()
				go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
			}
			if rt.sqlite != nil {
				go database.NewBackupService(rt.sqlite, cfg.Backup, logger).Start(ctx)
			}

			server := api.NewServer(bookings, products, ranker, report.NewExporter(rt.store, logger), logger)
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
				Handler:           server.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go shutdownOnDone(ctx, srv)

			logger.Info().Int("port", cfg.HTTP.Port).Str("driver", cfg.Database.Driver).Msg("village started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				stop()
				<-busDone
				return fmt.Errorf("http server: %w", err)
			}

			<-busDone
			logger.Info().Msg("village stopped")
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "write the reservation report to an xlsx file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file", Value: "reservations.xlsx"},
			&cli.StringFlag{Name: "from", Usage: "first day, " + dateLayout},
			&cli.StringFlag{Name: "to", Usage: "last day, exclusive, " + dateLayout},
		},
		Action: func(c *cli.Context) error {
			from, err := parseDay(c.String("from"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid --from: %v", err), 2)
			}
			to, err := parseDay(c.String("to"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid --to: %v", err), 2)
			}

			rt, err := openRuntime(c.Context, c.String("config"))
			if err != nil {
				return err
			}
			defer rt.Close()

			f, err := os.Create(c.String("out"))
			if err != nil {
				return fmt.Errorf("create report file: %w", err)
			}
			if err := report.NewExporter(rt.store, &rt.logger).Write(c.Context, f, from, to); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close report file: %w", err)
			}
			rt.logger.Info().Str("file", c.String("out")).Msg("report written")
			return nil
		},
	}
}

func trendingCommand() *cli.Command {
	return &cli.Command{
		Name:  "trending",
		Usage: "print the trending products",
		Action: func(c *cli.Context) error {
			rt, err := openRuntime(c.Context, c.String("config"))
			if err != nil {
				return err
			}
			defer rt.Close()

			list, err := rt.ranker().Trending(c.Context)
			if err != nil {
				return err
			}
			w := c.App.Writer
			if len(list) == 0 {
				fmt.Fprintln(w, "no reservations yet")
				return nil
			}
			for _, rc := range list {
				fmt.Fprintf(w, "%d\t%d\n", rc.ResourceID, rc.Count)
			}
			return nil
		},
	}
}

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "snapshot the SQLite database and prune old snapshots",
		Action: func(c *cli.Context) error {
			rt, err := openRuntime(c.Context, c.String("config"))
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.sqlite == nil {
				return cli.Exit("backup is only supported for the sqlite driver", 2)
			}
			svc := database.NewBackupService(rt.sqlite, rt.cfg.Backup, &rt.logger)
			path, err := svc.PerformBackup(c.Context)
			if err != nil {
				return err
			}
			removed := svc.CleanupOldBackups()
			fmt.Fprintf(c.App.Writer, "%s (removed %d old)\n", path, removed)
			return nil
		},
	}
}

// parseDay reads an optional YYYY-MM-DD date in UTC.
func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, s)
}
