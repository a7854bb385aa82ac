// Command dbsync runs and exercises the synchronization engine: a
// server over an authoritative database, and the client-side push,
// pull, repair and maintenance procedures against a local one.
package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/centraldb/dbsync/internal/client"
	"github.com/centraldb/dbsync/internal/logx"
	"github.com/centraldb/dbsync/internal/registry"
	"github.com/centraldb/dbsync/internal/storage"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dbsync",
		Short:         "Centralized synchronization of relational data",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./dbsync.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.String("db-driver", "sqlite3", "database driver (sqlite3 or mysql)")
	flags.String("db-dsn", "", "database DSN")
	flags.String("server-url", "", "synchronization server URL")
	flags.String("schema", "", "tracked-model schema file (YAML)")
	flags.String("log-file", "", "log file (rotated); stderr when empty")
	flags.Duration("http-timeout", 10*time.Second, "per-call HTTP timeout")
	_ = viper.BindPFlag("db.driver", flags.Lookup("db-driver"))
	_ = viper.BindPFlag("db.dsn", flags.Lookup("db-dsn"))
	_ = viper.BindPFlag("server_url", flags.Lookup("server-url"))
	_ = viper.BindPFlag("schema", flags.Lookup("schema"))
	_ = viper.BindPFlag("log.file", flags.Lookup("log-file"))
	_ = viper.BindPFlag("http.timeout", flags.Lookup("http-timeout"))

	root.AddCommand(serveCmd())
	root.AddCommand(registerCmd())
	root.AddCommand(pushCmd())
	root.AddCommand(pullCmd())
	root.AddCommand(repairCmd())
	root.AddCommand(queryCmd())
	root.AddCommand(trimCmd())
	root.AddCommand(pingCmd())
	return root
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("dbsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("DBSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	logx.SetVerbose(verbose)
	if file := viper.GetString("log.file"); file != "" {
		logx.SetTarget(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
		})
	}
	return nil
}

// openEngine opens the configured database and wraps it in an engine
// with the matching dialect.
func openEngine() (*storage.Engine, *sql.DB, error) {
	driver := viper.GetString("db.driver")
	dsn := viper.GetString("db.dsn")
	if dsn == "" {
		return nil, nil, fmt.Errorf("db.dsn is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	eng := storage.New(db, storage.WithDialect(storage.DialectForDriver(driver)))
	return eng, db, nil
}

// loadRegistry reads the tracked-model schema file.
func loadRegistry() (*registry.Registry, error) {
	path := viper.GetString("schema")
	if path == "" {
		return nil, fmt.Errorf("schema file is required")
	}
	reg := registry.New()
	if err := reg.LoadSchema(path); err != nil {
		return nil, err
	}
	return reg, nil
}

// newClient builds a synchronization client from the configuration.
func newClient(eng *storage.Engine, reg *registry.Registry) (*client.Client, error) {
	url := viper.GetString("server_url")
	if url == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	return client.New(eng, reg, url,
		client.WithTimeout(viper.GetDuration("http.timeout"))), nil
}
