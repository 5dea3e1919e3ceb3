package archive

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/dcrodman/empdb/internal/core/data"
	"github.com/dcrodman/empdb/internal/store"
)

// sqlArchiver writes the employees table through gorm.
type sqlArchiver struct {
	db *gorm.DB
}

func newSQLiteArchiver(file string, debug bool) (*sqlArchiver, error) {
	return newSQLArchiver(sqlite.Open(file), debug)
}

func newPostgresArchiver(url string, debug bool) (*sqlArchiver, error) {
	return newSQLArchiver(postgres.Open(url), debug)
}

func newSQLArchiver(dialector gorm.Dialector, debug bool) (*sqlArchiver, error) {
	db, err := data.Open(dialector, debug)
	if err != nil {
		return nil, err
	}
	return &sqlArchiver{db: db}, nil
}

func (a *sqlArchiver) Archive(ctx context.Context, employees []store.Employee) error {
	now := time.Now().UTC()
	rows := make([]data.Employee, len(employees))
	for i := range employees {
		rows[i] = data.Employee{
			Position:   i,
			Name:       employees[i].NameString(),
			Address:    employees[i].AddressString(),
			Hours:      employees[i].Hours,
			ArchivedAt: now,
		}
	}
	return data.ReplaceEmployees(a.db.WithContext(ctx), rows)
}

func (a *sqlArchiver) Close() error {
	return data.Close(a.db)
}
