package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"school-registry/config"
	"school-registry/internal/logging"
)

var (
	version = "dev"
	cfgFile string
	cfg     *config.Config
	v       = viper.New()

	closeLog = func() {}
)

var rootCmd = &cobra.Command{
	Use:               "registry",
	Short:             "Student registry backed by an asynchronous ledger",
	Long:              `Serves and operates a student registry whose records live in an external ledger that commits changes asynchronously.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
	PersistentPostRun: func(*cobra.Command, []string) { closeLog() },
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default: ./registry.yaml)")
	pf.CountP("verbose", "v", "increase log verbosity (-v info, -vv debug, -vvv trace)")
	pf.String("log-file", "", "also write JSON logs to this file")
	pf.String("backend", "", "ledger backend: memory, sqlite or remote")
	pf.String("db", "", "sqlite database path")
	pf.String("remote-url", "", "base URL of a remote registry server")
	pf.String("admin", "", "admin identity recorded when a new ledger is created")

	_ = v.BindPFlag("log.verbosity", pf.Lookup("verbose"))
	_ = v.BindPFlag("log.file", pf.Lookup("log-file"))
	_ = v.BindPFlag("ledger.backend", pf.Lookup("backend"))
	_ = v.BindPFlag("ledger.db_path", pf.Lookup("db"))
	_ = v.BindPFlag("ledger.remote_url", pf.Lookup("remote-url"))
	_ = v.BindPFlag("ledger.admin", pf.Lookup("admin"))

	rootCmd.AddCommand(serveCmd, studentsCmd)
}

func initConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	cfg = c
	closeLog = logging.SetupLogger(cfg.Log.Verbosity, cfg.Log.File)
	log.Debug().Str("command", cmd.Name()).Str("backend", cfg.Ledger.Backend).Msg("Configuration loaded")
	return nil
}
