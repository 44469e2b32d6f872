// Package cli implements the labledger command line interface: maintenance
// jobs, approval inspection, and the metrics endpoint, wired from environment
// variables.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"labledger/internal/blob"
	"labledger/internal/core"
	"labledger/internal/infra/persistence/memory"
	"labledger/internal/infra/persistence/postgres"
	"labledger/internal/infra/persistence/sqlite"
	"labledger/internal/mapservice"
	"labledger/internal/notify"
	"labledger/internal/schedule"
	"labledger/pkg/domain"
)

// openStore selects the persistence backend:
//
//	LABLEDGER_STORE_DRIVER   memory|sqlite|postgres (default sqlite)
//	LABLEDGER_SQLITE_PATH    database file when driver=sqlite
//	LABLEDGER_POSTGRES_DSN   connection string when driver=postgres
func openStore() (domain.PersistentStore, func(), error) {
	driver := os.Getenv("LABLEDGER_STORE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}
	switch driver {
	case "memory":
		return memory.NewStore(), func() {}, nil
	case "sqlite":
		s, err := sqlite.NewStore(os.Getenv("LABLEDGER_SQLITE_PATH"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		dsn := os.Getenv("LABLEDGER_POSTGRES_DSN")
		if dsn == "" {
			return nil, nil, fmt.Errorf("LABLEDGER_POSTGRES_DSN is required for the postgres driver")
		}
		s, err := postgres.NewStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %s", driver)
	}
}

// buildService assembles the workflow service from the environment. The
// returned cleanup closes the store, scheduler, and map service connection.
func buildService(ctx context.Context, extra ...core.Option) (*core.Service, func(), error) {
	store, closeStore, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	cleanup := closeStore

	logger := core.NewZerologLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger())
	opts := []core.Option{core.WithLogger(logger)}

	blobs, err := blob.Open(ctx)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	opts = append(opts, core.WithBlobStore(blobs))

	var notifier notify.Notifier
	if os.Getenv("LABLEDGER_SMTP_ADDR") != "" {
		smtp, err := notify.OpenSMTPFromEnv()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		notifier = smtp
		opts = append(opts, core.WithNotifier(notifier))
	}

	if url := os.Getenv("LABLEDGER_MAPSERVICE_URL"); url != "" {
		var wsOpts []mapservice.WSOption
		if notifier != nil {
			wsOpts = append(wsOpts, mapservice.WithAlertFunc(notifier.OperatorAlert))
		}
		maps := mapservice.NewWSClient(url, wsOpts...)
		opts = append(opts, core.WithMapService(maps))
		prev := cleanup
		cleanup = func() { _ = maps.Close(); prev() }
	}

	runner := schedule.NewRunner(func(name string, err error) {
		logger.Error("scheduled task failed", "task", name, "error", err.Error())
	})
	opts = append(opts, core.WithScheduler(runner))
	prev := cleanup
	cleanup = func() { runner.Close(); prev() }

	if abbr := os.Getenv("LABLEDGER_LAB_ABBREVIATION"); abbr != "" {
		opts = append(opts, core.WithLabAbbreviation(abbr))
	}

	opts = append(opts, extra...)
	return core.NewService(store, opts...), cleanup, nil
}

// loadApprovers reads the approver roster from a JSON file: an array of
// actors with id, email, principal_investigator, and project_lead_ids.
// Identity lives outside this system, so the roster is handed in rather
// than queried.
func loadApprovers(path string) ([]core.Actor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read approvers: %w", err)
	}
	var approvers []core.Actor
	if err := json.Unmarshal(raw, &approvers); err != nil {
		return nil, fmt.Errorf("decode approvers: %w", err)
	}
	return approvers, nil
}
