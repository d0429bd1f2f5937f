package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/safezone/mibs/internal/config"
	"github.com/safezone/mibs/internal/db"
	"github.com/safezone/mibs/internal/logger"
)

const usage = `usage: migrate [-dsn URL] up|down|version

  up       apply all pending migrations
  down     roll back the last migration
  version  print the current schema version
`

func main() {
	os.Exit(run())
}

func run() int {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "postgres connection URL")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *dsn == "" || flag.NArg() != 1 {
		flag.Usage()
		return 2
	}

	log, err := logger.New(config.Logger{Level: "info"}, "mibs-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = db.MigrateUp(*dsn)
	case "down":
		err = db.MigrateDown(*dsn)
	case "version":
	default:
		flag.Usage()
		return 2
	}
	if err != nil {
		log.Error("migration failed", zap.String("command", flag.Arg(0)), zap.Error(err))
		return 1
	}

	version, dirty, err := db.MigrationVersion(*dsn)
	if err != nil {
		log.Error("read version", zap.Error(err))
		return 1
	}
	log.Info("schema", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return 0
}
