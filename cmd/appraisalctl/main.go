package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"appraisal/server/config"
	"appraisal/server/internal/coefficients"
	"appraisal/server/internal/database"
	"appraisal/server/internal/models"
	"appraisal/server/internal/valuation"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	dbPath   string
	seedFile string
	input    string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "appraisalctl",
		Short:        "Manage valuation coefficients and run offline estimates",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "sqlite database path (defaults to DB_PATH)")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, _, err := open(opts)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Import formulas and districts from a seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, _, err := open(opts)
			if err != nil {
				return err
			}
			defer db.Close()

			seed, err := config.LoadSeed(opts.seedFile)
			if err != nil {
				return err
			}
			formulas, districts, err := seed.Records()
			if err != nil {
				return err
			}
			added, saved, err := db.ImportSeed(cmd.Context(), formulas, districts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d formulas, saved %d districts\n", added, saved)
			return nil
		},
	}
	seedCmd.Flags().StringVar(&opts.seedFile, "file", "config/seed.yaml", "seed file (yaml, json or toml)")

	estimateCmd := &cobra.Command{
		Use:   "estimate",
		Short: "Value one property described by a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, logger, err := open(opts)
			if err != nil {
				return err
			}
			defer db.Close()

			in, err := readInput(opts.input)
			if err != nil {
				return err
			}

			settings, err := cfg.EngineSettings()
			if err != nil {
				return err
			}
			if cfg.Snapshot.SeedFile != "" {
				seed, err := config.LoadSeed(cfg.Snapshot.SeedFile)
				if err != nil {
					return err
				}
				seed.ApplyTo(&settings)
			}

			store := coefficients.NewStore(db, logger)
			snap, err := store.Refresh(cmd.Context())
			if err != nil {
				return err
			}

			result, err := valuation.NewEngine(settings).Valuate(cmd.Context(), snap, in)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	estimateCmd.Flags().StringVar(&opts.input, "input", "", "JSON file with the valuation input")
	_ = estimateCmd.MarkFlagRequired("input")

	root.AddCommand(migrateCmd, seedCmd, estimateCmd)
	return root
}

// open loads the configuration and a migrated database. Logs go to stderr
// so command output stays parseable.
func open(opts *options) (*database.Database, *config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := cfg.NewLogger()
	logger.SetOutput(os.Stderr)

	path := cfg.Database.Path
	if opts.dbPath != "" {
		path = opts.dbPath
	}
	db, err := database.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	return db, cfg, logger, nil
}

type estimateInput struct {
	models.ValuationInput
	AsOf string `json:"asOf"`
}

func readInput(path string) (models.ValuationInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.ValuationInput{}, fmt.Errorf("failed to read input: %w", err)
	}

	var req estimateInput
	if err := json.Unmarshal(data, &req); err != nil {
		return models.ValuationInput{}, fmt.Errorf("failed to parse input: %w", err)
	}

	in := req.ValuationInput
	if strings.TrimSpace(req.AsOf) == "" {
		now := time.Now().UTC()
		in.AsOf = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return in, nil
	}
	if in.AsOf, err = config.ParseDate(req.AsOf); err != nil {
		return models.ValuationInput{}, fmt.Errorf("asOf: %w", err)
	}
	return in, nil
}
