package data

import (
	"time"

	"gorm.io/gorm"
)

// Employee is an archived copy of one record from the employee database file.
type Employee struct {
	ID uint64 `gorm:"primaryKey"`
	// Position of the record in the database file.
	Position   int    `gorm:"not null;uniqueIndex"`
	Name       string `gorm:"size:255;not null;index"`
	Address    string `gorm:"size:255"`
	Hours      uint32
	ArchivedAt time.Time
}

// ReplaceEmployees swaps the archived table for employees in a single transaction.
func ReplaceEmployees(db *gorm.DB, employees []Employee) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Employee{}).Error; err != nil {
			return err
		}
		if len(employees) == 0 {
			return nil
		}
		return tx.CreateInBatches(employees, 500).Error
	})
}

// FindEmployees returns every archived employee in file order.
func FindEmployees(db *gorm.DB) ([]Employee, error) {
	var employees []Employee
	if err := db.Order("position").Find(&employees).Error; err != nil {
		return nil, err
	}
	return employees, nil
}
