// Package main runs a process engine configured from environment variables.
//
// ORCHESTRA_DEFINITIONS is a directory of YAML process definitions.
// ORCHESTRA_DB_PATH is the path of the BoltDB database that holds process
// state. Alternatively, ORCHESTRA_SQLITE_DSN is the data-source name of an
// SQLite database that holds process state. ORCHESTRA_REDIS_ADDR, if set, is the address of a Redis server used as
// the message bus and worker registry; otherwise both are kept in memory.
// ORCHESTRA_DEBUG enables debug logging.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/orchestra"
	"github.com/dogmatiq/orchestra/bus/memorybus"
	"github.com/dogmatiq/orchestra/bus/redisbus"
	"github.com/dogmatiq/orchestra/definition"
	"github.com/dogmatiq/orchestra/persistence"
	"github.com/dogmatiq/orchestra/persistence/boltpersistence"
	"github.com/dogmatiq/orchestra/persistence/sqlpersistence"
	"github.com/dogmatiq/orchestra/registry/memoryregistry"
	"github.com/dogmatiq/orchestra/registry/redisregistry"
	"github.com/redis/go-redis/v9"

	// Register the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"
)

// newContext returns a cancelable context that is canceled when the process
// receives a SIGTERM or SIGINT.
func newContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	ctx, cancel := newContext()
	defer cancel()

	if err := run(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

func run(ctx context.Context) error {
	logger := &logging.StandardLogger{
		Target:       log.New(os.Stderr, "", 0),
		CaptureDebug: os.Getenv("ORCHESTRA_DEBUG") != "",
	}

	options := []orchestra.EngineOption{
		orchestra.WithLogger(logger),
	}

	if dir := os.Getenv("ORCHESTRA_DEFINITIONS"); dir != "" {
		defs, err := definition.LoadDir(dir)
		if err != nil {
			return err
		}

		// Validate up front so that a bad definition is reported as an error
		// rather than a panic.
		if _, err := definition.NewCatalog(defs...); err != nil {
			return err
		}

		options = append(options, orchestra.WithDefinitions(defs...))
		logging.Log(logger, "loaded %d process definition(s) from %s", len(defs), dir)
	}

	p, closeDB, err := newProvider(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	if p != nil {
		options = append(options, orchestra.WithPersistence(p))
	}

	if addr := os.Getenv("ORCHESTRA_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("unable to connect to redis at %s: %w", addr, err)
		}

		options = append(
			options,
			orchestra.WithBus(&redisbus.Bus{Client: client, Logger: logger}),
			orchestra.WithRegistry(&redisregistry.Registry{Client: client}),
		)
	} else {
		options = append(
			options,
			orchestra.WithBus(&memorybus.Bus{Logger: logger}),
			orchestra.WithRegistry(&memoryregistry.Registry{}),
		)
	}

	return orchestra.New(options...).Run(ctx)
}

// newProvider returns the persistence provider selected by the environment.
//
// It returns a nil provider if neither ORCHESTRA_DB_PATH nor
// ORCHESTRA_SQLITE_DSN is set. The returned function closes any database
// opened by newProvider.
func newProvider(ctx context.Context) (persistence.Provider, func() error, error) {
	path := os.Getenv("ORCHESTRA_DB_PATH")
	dsn := os.Getenv("ORCHESTRA_SQLITE_DSN")
	nop := func() error { return nil }

	switch {
	case path != "" && dsn != "":
		return nil, nop, errors.New("ORCHESTRA_DB_PATH and ORCHESTRA_SQLITE_DSN are mutually exclusive")

	case path != "":
		return &boltpersistence.FileProvider{Path: path}, nop, nil

	case dsn != "":
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, nop, fmt.Errorf("unable to open sqlite database: %w", err)
		}

		if err := sqlpersistence.CreateSchema(ctx, db); err != nil {
			db.Close()
			return nil, nop, fmt.Errorf("unable to create sqlite schema: %w", err)
		}

		return &sqlpersistence.Provider{DB: db}, db.Close, nil

	default:
		return nil, nop, nil
	}
}
