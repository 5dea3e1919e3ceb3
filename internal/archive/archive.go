// Package archive mirrors the employee table into a secondary store after the
// database file has been flushed.
package archive

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/empdb/internal/core"
	"github.com/dcrodman/empdb/internal/store"
)

// Archiver receives a copy of every employee when the server shuts down.
type Archiver interface {
	// Archive replaces the previous copy with employees.
	Archive(ctx context.Context, employees []store.Employee) error
	Close() error
}

// New returns the Archiver selected by cfg.Archive.Engine.
func New(cfg *core.Config, logger *logrus.Logger) (Archiver, error) {
	var (
		a   Archiver
		err error
	)
	switch cfg.Archive.Engine {
	case "", "none":
		return noopArchiver{}, nil
	case "sqlite":
		a, err = newSQLiteArchiver(cfg.Archive.SQLiteFile, cfg.Debugging.DatabaseLoggingEnabled)
	case "postgres":
		a, err = newPostgresArchiver(cfg.DatabaseURL(), cfg.Debugging.DatabaseLoggingEnabled)
	case "badger":
		a, err = newBadgerArchiver(cfg.Archive.BadgerDir, logger)
	default:
		return nil, fmt.Errorf("unknown archive engine %q", cfg.Archive.Engine)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

type noopArchiver struct{}

func (noopArchiver) Archive(context.Context, []store.Employee) error { return nil }
func (noopArchiver) Close() error                                    { return nil }
