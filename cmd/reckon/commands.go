package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dukerupert/reckon/internal"
	"github.com/dukerupert/reckon/internal/catalog"
	"github.com/dukerupert/reckon/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// TriggerCLI labels sweeps started from the command line.
const TriggerCLI = "cli"

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		return migrate(cmd.Context(), cfg.DatabaseURL)
	},
}

func migrate(ctx context.Context, databaseURL string) error {
	db, err := internal.OpenMigrationDB(databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info().Msg("Running database migrations...")
	if err := internal.RunMigrations(ctx, db, log.Logger); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Info().Msg("Database migrations completed successfully")
	return nil
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconciliation pass and print its summary as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.reconciler.Sweep(ctx, TriggerCLI)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

var priceFlags struct {
	market   string
	plan     string
	interval string
}

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Resolve the provider price id for a plan in a market",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		plan, err := domain.ParsePlanID(priceFlags.plan)
		if err != nil {
			return err
		}
		if plan == domain.PlanFree {
			return fmt.Errorf("the free plan has no price")
		}
		interval, err := domain.ParseInterval(priceFlags.interval)
		if err != nil {
			return err
		}

		priceID, err := catalog.New(cfg.Catalog).Resolve(priceFlags.market, plan, interval)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), priceID)
		return nil
	},
}

func init() {
	priceCmd.Flags().StringVar(&priceFlags.market, "market", "", "market code, e.g. us")
	priceCmd.Flags().StringVar(&priceFlags.plan, "plan", "", "plan id: tier1, tier2 or tier3")
	priceCmd.Flags().StringVar(&priceFlags.interval, "interval", string(domain.IntervalMonthly), "billing interval: monthly or annual")
	_ = priceCmd.MarkFlagRequired("plan")
}
