package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"notemart/internal/app"
	"notemart/internal/config"
	"notemart/internal/reporting"
	"notemart/internal/storage"
)

func main() {
	cliApp := &cli.App{
		Name:  "notemart",
		Usage: "sell study notes: payments, access grants and file storage",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API, outbox dispatcher and cleanup worker",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "migrate", Usage: "apply migrations before starting", Value: true},
				},
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations",
				Action: migrate,
			},
			{
				Name:  "stale-orders",
				Usage: "list orders still pending after a while, for reconciling with the gateway",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "older-than", Usage: "minimum order age", Value: time.Hour},
				},
				Action: staleOrders,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("notemart failed")
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.LogLevel, true)

	if c.Bool("migrate") {
		if err := storage.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
	}
	return app.Serve(cfg, logger)
}

func migrate(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := storage.RunMigrations(cfg.DatabaseURL); err != nil {
		return err
	}
	app.NewLogger(cfg.LogLevel, false).Info("migrations applied")
	return nil
}

func staleOrders(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	orders, err := reporting.New(store.Pool()).StaleOrders(ctx, c.Duration("older-than"))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tBUYER\tITEM\tAMOUNT\tCREATED")
	for _, o := range orders {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d %s\t%s\n", o.OrderID, o.BuyerID, o.ItemTitle, o.Amount, o.Currency, o.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
