package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"diffspect/pkg/config"
	"diffspect/pkg/logging"
)

// app holds what every subcommand needs after flag parsing
type app struct {
	configPath string
	dbPath     string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "diffspect",
		Short: "Differential SPECT analysis for epilepsy studies",
		Long: `diffspect registers interictal and ictal SPECT scans to a population
atlas, optionally through the patient's MRI, computes a t-map of the
perfusion change against the atlas standard deviation image and reports
hyper- and hypo-perfused clusters.

Studies are kept in a SQLite database; each command loads a study,
computes what it needs and saves the results back.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "diffspect.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&a.dbPath, "db", "", "Study database (overrides storage.database)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newStudyCmd(a),
		newLoadCmd(a),
		newRegisterCmd(a),
		newResliceCmd(a),
		newAnalyzeCmd(a),
		newRunCmd(a),
		newReportCmd(a),
		newExportCmd(a),
		newWatchCmd(a),
		newConfigCmd(a),
	)
	return rootCmd
}

// init loads the configuration and builds the logger
func (a *app) init() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Storage.Database = a.dbPath
	}
	a.cfg = cfg

	logger, err := logging.New(a.verbose || cfg.Output.Verbose, true)
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
