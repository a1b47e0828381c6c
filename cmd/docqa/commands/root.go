// Package commands implements the docqa command line.
package commands

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"docqa/internal/config"
	"docqa/internal/logging"
)

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "docqa",
		Short: "Answer questions about remote documents",
		Long: `docqa fetches documents by URL, indexes their text and answers
natural-language questions from the most relevant passages.

Configuration is read from --config, ./docqa.yaml, ./docqa.toml or
~/.config/docqa/config.yaml, in that order. A .env file in the working
directory is loaded first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to a YAML or TOML config file")

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewAskCmd())
	root.AddCommand(NewVersionCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig loads .env, then the config named by --config or the default
// search path.
func loadConfig(cmd *cobra.Command) (*config.AppConfig, error) {
	_ = godotenv.Load()

	path, _ := cmd.Flags().GetString("config")
	var (
		cfg *config.AppConfig
		err error
	)
	if path == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg *config.AppConfig) *log.Logger {
	return logging.NewWithWriter(w, cfg.Log)
}
