package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"slices"

	"go.uber.org/zap"

	"github.com/BaSui01/queenbee/config"
	"github.com/BaSui01/queenbee/internal/migration"
)

// runMigrate 处理 migrate 子命令。flag 需写在数字参数之前，例如
// queenbee migrate goto --config c.yaml 3
func runMigrate(args []string, out io.Writer) error {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage(out)
		return nil
	}
	command := args[0]
	if !slices.Contains(migration.Commands, command) {
		printMigrateUsage(out)
		return fmt.Errorf("unknown migrate subcommand %q", command)
	}

	fs := flag.NewFlagSet("migrate "+command, flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(out)
	return cli.Run(context.Background(), command, fs.Args())
}

// createMigrator 优先使用 --db-type 和 --db-url，否则读取配置
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	logger := zap.NewNop()
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, logger)
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

func printMigrateUsage(out io.Writer) {
	fmt.Fprintln(out, `Database Migration Commands

Usage:
  queenbee migrate <subcommand> [options] [n]

Subcommands:
  up        Apply all pending migrations
  down      Roll back the last migration
  down-all  Roll back every migration
  steps n   Apply (n > 0) or roll back (n < 0) n migrations
  goto v    Migrate to a specific version
  force v   Force set migration version (use with caution)
  version   Show current migration version
  status    Show migration status

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  queenbee migrate up --config /etc/queenbee/config.yaml
  queenbee migrate status
  queenbee migrate goto 1
  queenbee migrate force 0`)
}
