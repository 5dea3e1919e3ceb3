package archive

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/empdb/internal/core/bytes"
	"github.com/dcrodman/empdb/internal/store"
)

var employeePrefix = []byte("employee/")

func employeeKey(i int) []byte {
	return []byte(fmt.Sprintf("employee/%08d", i))
}

// badgerArchiver keeps each employee under its own key, holding the record in the
// same fixed layout used by the database file.
type badgerArchiver struct {
	db *badger.DB
}

func newBadgerArchiver(dir string, logger *logrus.Logger) (*badgerArchiver, error) {
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.WARNING) // Reduce log noise
	if logger != nil {
		opts = opts.WithLogger(logger)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger archive at %s: %w", dir, err)
	}
	return &badgerArchiver{db: db}, nil
}

func (a *badgerArchiver) Archive(ctx context.Context, employees []store.Employee) error {
	if err := a.db.DropPrefix(employeePrefix); err != nil {
		return fmt.Errorf("failed to drop previous archive: %w", err)
	}

	wb := a.db.NewWriteBatch()
	defer wb.Cancel()
	for i := range employees {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, _ := bytes.BytesFromStruct(&employees[i])
		if err := wb.Set(employeeKey(i), value); err != nil {
			return fmt.Errorf("failed to archive employee %d: %w", i, err)
		}
	}
	return wb.Flush()
}

func (a *badgerArchiver) Close() error {
	return a.db.Close()
}
