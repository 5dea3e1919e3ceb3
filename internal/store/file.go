// Package store implements the employee database: a fixed-layout binary file made of
// a header followed by employee records, loaded fully into memory and written back
// on Flush.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dcrodman/empdb/internal/core/bytes"
)

const (
	// HeaderMagic spells "LLAD" in network byte order.
	HeaderMagic   uint32 = 0x4c4c4144
	HeaderVersion uint16 = 1

	nameLength    = 256
	addressLength = 256

	// MaxEmployees is bounded by the width of Header.Count.
	MaxEmployees = 1<<16 - 1
)

var (
	ErrExists      = errors.New("database file already exists")
	ErrBadMagic    = errors.New("improper header magic")
	ErrBadVersion  = errors.New("improper header version")
	ErrCorruptFile = errors.New("corrupted database")
)

// Header is the first structure in the database file.
type Header struct {
	Magic    uint32
	Version  uint16
	Count    uint16
	Filesize uint32
}

// Employee is a single fixed-size record.
type Employee struct {
	Name    [nameLength]byte
	Address [addressLength]byte
	Hours   uint32
}

var (
	HeaderSize   = bytes.SizeOf(Header{})
	EmployeeSize = bytes.SizeOf(Employee{})
)

// NewEmployee builds a record, rejecting values that do not fit the fixed-width fields.
func NewEmployee(name, address string, hours uint32) (Employee, error) {
	var e Employee
	if err := bytes.CopyPadded(e.Name[:], name); err != nil {
		return e, fmt.Errorf("name: %w", ErrFieldTooLong)
	}
	if err := bytes.CopyPadded(e.Address[:], address); err != nil {
		return e, fmt.Errorf("address: %w", ErrFieldTooLong)
	}
	e.Hours = hours
	return e, nil
}

func (e *Employee) NameString() string    { return bytes.PaddedString(e.Name[:]) }
func (e *Employee) AddressString() string { return bytes.PaddedString(e.Address[:]) }

// NewHeader returns the header of an empty database.
func NewHeader() *Header {
	return &Header{
		Magic:    HeaderMagic,
		Version:  HeaderVersion,
		Count:    0,
		Filesize: uint32(HeaderSize),
	}
}

// CreateFile creates a new database file, refusing to clobber an existing one.
func CreateFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrExists)
		}
		return nil, fmt.Errorf("creating database file: %w", err)
	}
	return f, nil
}

// OpenFile opens an existing database file for reading and writing.
func OpenFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening database file: %w", err)
	}
	return f, nil
}

// ValidateHeader reads the header from the start of f and checks it against the
// file itself.
func ValidateHeader(f *os.File) (*Header, error) {
	raw := make([]byte, HeaderSize)
	if _, err := f.ReadAt(raw, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading header: %w", ErrCorruptFile)
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}

	hdr := &Header{}
	if err := bytes.StructFromBytes(raw, hdr); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}

	if hdr.Version != HeaderVersion {
		return nil, fmt.Errorf("version %d: %w", hdr.Version, ErrBadVersion)
	}
	if hdr.Magic != HeaderMagic {
		return nil, fmt.Errorf("magic %#x: %w", hdr.Magic, ErrBadMagic)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat database file: %w", err)
	}
	if int64(hdr.Filesize) != info.Size() {
		return nil, fmt.Errorf("header declares %d bytes, file has %d: %w", hdr.Filesize, info.Size(), ErrCorruptFile)
	}
	if int(hdr.Filesize) != HeaderSize+int(hdr.Count)*EmployeeSize {
		return nil, fmt.Errorf("header declares %d records in %d bytes: %w", hdr.Count, hdr.Filesize, ErrCorruptFile)
	}
	return hdr, nil
}

// ReadEmployees reads the hdr.Count records that follow the header.
func ReadEmployees(f *os.File, hdr *Header) ([]Employee, error) {
	employees := make([]Employee, hdr.Count)
	raw := make([]byte, EmployeeSize)

	for i := range employees {
		offset := int64(HeaderSize + i*EmployeeSize)
		if _, err := f.ReadAt(raw, offset); err != nil {
			return nil, fmt.Errorf("reading employee %d: %w", i, err)
		}
		if err := bytes.StructFromBytes(raw, &employees[i]); err != nil {
			return nil, fmt.Errorf("decoding employee %d: %w", i, err)
		}
	}
	return employees, nil
}

// Output writes hdr and employees to f from offset 0, updating the header's count
// and size to match, and truncates anything left over from a larger previous state.
func Output(f *os.File, hdr *Header, employees []Employee) error {
	if len(employees) > MaxEmployees {
		return ErrStoreFull
	}
	hdr.Count = uint16(len(employees))
	hdr.Filesize = uint32(HeaderSize + len(employees)*EmployeeSize)

	out := make([]byte, 0, hdr.Filesize)
	raw, _ := bytes.BytesFromStruct(hdr)
	out = append(out, raw...)
	for i := range employees {
		raw, _ := bytes.BytesFromStruct(&employees[i])
		out = append(out, raw...)
	}

	if _, err := f.WriteAt(out, 0); err != nil {
		return fmt.Errorf("writing database: %w", err)
	}
	if err := f.Truncate(int64(hdr.Filesize)); err != nil {
		return fmt.Errorf("truncating database: %w", err)
	}
	return f.Sync()
}
