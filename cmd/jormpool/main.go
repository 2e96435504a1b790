package main

import (
	"context"
	"fmt"
	"io"
	"os"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/shrek82/jormpool/config"
	"github.com/shrek82/jormpool/core"
	"github.com/shrek82/jormpool/logger"
)

// connFlags are the persistent flags shared by every subcommand.
type connFlags struct {
	configPath string
	envFiles   []string
	driver     string
	url        string
	user       string
	password   string
	schema     string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &connFlags{}
	rootCmd := &cobra.Command{
		Use:   "jormpool",
		Short: "Pooled SQL access from the command line",
		Long: `jormpool opens a database through the same pools applications use and runs
ad-hoc statements against it.

Connection settings come from --config (YAML), then JORMPOOL_* environment
variables (optionally loaded from .env files), then the flags below.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	pf.StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, ".env files to load before reading JORMPOOL_* variables")
	pf.StringVar(&flags.driver, "driver", "", "database/sql driver (sqlite3, mysql, postgres, pgx)")
	pf.StringVar(&flags.url, "url", "", "database URL or DSN")
	pf.StringVar(&flags.user, "user", "", "database user")
	pf.StringVar(&flags.password, "password", "", "database password")
	pf.StringVar(&flags.schema, "schema", "", "schema selected on every connection")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		pingCmd(flags),
		queryCmd(flags),
		execCmd(flags),
		tablesCmd(flags),
		statsCmd(flags),
		genCmd(flags),
	)
	return rootCmd
}

// loadConfig merges the config file, the environment and the flags.
func (f *connFlags) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(f.envFiles...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	var cfg *config.Config
	if f.configPath != "" {
		c, _, err := config.Load(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.configPath, err)
		}
		cfg = c
	} else {
		cfg = &config.Config{}
		config.LoadFromEnv(cfg)
	}

	if f.driver != "" {
		cfg.Driver = f.driver
	}
	if f.url != "" {
		cfg.URL = f.url
	}
	if f.user != "" {
		cfg.User = f.user
	}
	if f.password != "" {
		cfg.Password = f.password
	}
	if f.schema != "" {
		cfg.Schema = f.schema
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	// One-shot commands never need more than a couple of connections.
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 2
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// open connects with logs going to stderr, keeping stdout for results.
func (f *connFlags) open(ctx context.Context, stderr io.Writer) (*core.Database, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.NewStdLogger()
	log.SetOutput(stderr)
	log.SetFormat(logger.LogFormat(cfg.Log.Format))
	level := logger.LevelWarn
	if f.logLevel != "" {
		lvl, ok := logger.ParseLevel(f.logLevel)
		if !ok {
			return nil, fmt.Errorf("unknown log level %q", f.logLevel)
		}
		level = lvl
	}
	log.SetLevel(level)
	return core.Open(ctx, cfg, core.WithLogger(log))
}
