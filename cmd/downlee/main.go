package main

import (
	"log"

	"github.com/cwygoda/downlee/internal/config"
	"github.com/spf13/cobra"
)

// flags holds the command-line overrides shared by every subcommand.
type flags struct {
	configPath string
	dbPath     string
	host       string
	port       int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	rootCmd := &cobra.Command{
		Use:   "downlee",
		Short: "Download orchestrator for chat attachments and media URLs",
		// serve is the default when no subcommand is given
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, &f)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/downlee/config.toml)")
	rootCmd.PersistentFlags().StringVar(&f.dbPath, "db", "", "database path")
	rootCmd.PersistentFlags().StringVar(&f.host, "host", "", "listen host")
	rootCmd.PersistentFlags().IntVarP(&f.port, "port", "p", 0, "listen port")

	rootCmd.AddCommand(serveCmd(&f))
	rootCmd.AddCommand(reconcileCmd(&f))
	rootCmd.AddCommand(statsCmd(&f))
	rootCmd.AddCommand(listCmd(&f))
	return rootCmd
}

// load reads the configuration and applies flag overrides on top.
func (f *flags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("db") {
		cfg.DBPath = config.ExpandPath(f.dbPath)
	}
	if cmd.Flags().Changed("host") {
		cfg.Host = f.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = f.port
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
