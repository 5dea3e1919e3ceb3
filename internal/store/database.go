package store

import (
	"errors"
	"fmt"
	"os"
)

var (
	ErrNotFound     = errors.New("employee not found")
	ErrStoreFull    = errors.New("database is full")
	ErrFieldTooLong = errors.New("field too long")
	ErrEmptyName    = errors.New("employee name is empty")
)

// Database is the in-memory view of a database file. It is not safe for concurrent
// use; the server only touches it from its event loop.
type Database struct {
	file      *os.File
	header    *Header
	employees []Employee
	index     *nameIndex
}

// Open loads the database at path. With create set, a new file is created (and must
// not already exist) and an empty header is written to it immediately.
func Open(path string, create bool) (*Database, error) {
	if create {
		f, err := CreateFile(path)
		if err != nil {
			return nil, err
		}
		db := &Database{file: f, header: NewHeader(), index: newNameIndex()}
		if err := db.Flush(); err != nil {
			f.Close()
			return nil, err
		}
		return db, nil
	}

	f, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	hdr, err := ValidateHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to validate database header: %w", err)
	}
	employees, err := ReadEmployees(f, hdr)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read employees: %w", err)
	}
	return &Database{file: f, header: hdr, employees: employees, index: newNameIndex()}, nil
}

// Header returns a copy of the current header. Count and Filesize are brought up to
// date by Flush.
func (db *Database) Header() Header { return *db.header }

// Employees returns the records in file order. The slice must not be modified.
func (db *Database) Employees() []Employee { return db.employees }

// Len returns the number of records.
func (db *Database) Len() int { return len(db.employees) }

// AddEmployee appends a record and returns the new number of records.
func (db *Database) AddEmployee(name, address string, hours uint32) (int, error) {
	if name == "" {
		return len(db.employees), ErrEmptyName
	}
	if len(db.employees) >= MaxEmployees {
		return len(db.employees), ErrStoreFull
	}
	e, err := NewEmployee(name, address, hours)
	if err != nil {
		return len(db.employees), err
	}

	db.employees = append(db.employees, e)
	db.index.reset()
	return len(db.employees), nil
}

// RemoveEmployee removes every record whose name matches (ignoring case) and returns
// how many were removed.
func (db *Database) RemoveEmployee(name string) (int, error) {
	positions := db.index.lookup(db.employees, name)
	if len(positions) == 0 {
		return 0, fmt.Errorf("%q: %w", name, ErrNotFound)
	}

	kept := db.employees[:0]
	next := 0
	for i := range db.employees {
		if next < len(positions) && positions[next] == i {
			next++
			continue
		}
		kept = append(kept, db.employees[i])
	}
	db.employees = kept
	db.index.reset()
	return len(positions), nil
}

// UpdateHours sets the hours of every record whose name matches and returns how
// many were updated.
func (db *Database) UpdateHours(name string, hours uint32) (int, error) {
	positions := db.index.lookup(db.employees, name)
	if len(positions) == 0 {
		return 0, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	for _, i := range positions {
		db.employees[i].Hours = hours
	}
	return len(positions), nil
}

// Flush writes the current header and records back to the file.
func (db *Database) Flush() error {
	return Output(db.file, db.header, db.employees)
}

// Path returns the name of the underlying file.
func (db *Database) Path() string { return db.file.Name() }

// Close closes the underlying file without flushing.
func (db *Database) Close() error {
	return db.file.Close()
}
