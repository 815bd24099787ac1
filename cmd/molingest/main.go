package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openmoleculedata/molingest/internal/pipeline"
	"github.com/openmoleculedata/molingest/pkg/config"
	"github.com/openmoleculedata/molingest/pkg/connector/registry"
	"github.com/openmoleculedata/molingest/pkg/logger"

	// Import all available connectors to register them
	_ "github.com/openmoleculedata/molingest/pkg/connector/sources/chembl"
	_ "github.com/openmoleculedata/molingest/pkg/connector/sources/chemspider"
	_ "github.com/openmoleculedata/molingest/pkg/connector/sources/pubchem"
	_ "github.com/openmoleculedata/molingest/pkg/connector/sources/zinc"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var logLevel string

	root := &cobra.Command{
		Use:   "molingest",
		Short: "Molingest - resumable molecular dataset ingestion",
		Long: `Molingest downloads and normalizes bulk molecular datasets (PubChem,
ChEMBL, ZINC, ChemSpider) into newline-delimited JSON batches, with
per-source checkpoints so interrupted jobs resume where they stopped.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{Level: logLevel})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Molingest v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available source types",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available sources:")
			for _, name := range registry.ListSources() {
				fmt.Printf("  - %s\n", name)
			}
		},
	})

	root.AddCommand(newRunCommand("download",
		"Download raw archives referenced by the job configuration",
		pipeline.ModeDownload))
	root.AddCommand(newRunCommand("ingest",
		"Run the ingestion job defined in the configuration",
		pipeline.ModeIngest))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRunCommand(use, short string, mode pipeline.Mode) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			log := logger.Get()
			defer log.Sync()

			names := make([]string, 0, len(cfg.Sources))
			for _, src := range cfg.Sources {
				names = append(names, src.Name)
			}
			log.Info("job starting",
				zap.String("mode", string(mode)),
				zap.Strings("sources", names))

			runner := pipeline.NewRunner(cfg, log)
			if err := runner.Run(cmd.Context(), mode); err != nil {
				return err
			}
			log.Info("job finished", zap.String("mode", string(mode)))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the ingestion job YAML configuration")
	cmd.MarkFlagRequired("config")
	return cmd
}
