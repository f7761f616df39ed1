package database

import "gorm.io/gorm"

var DB *gorm.DB

// GetDB returns the global database handle, nil before SetupDatabase ran.
func GetDB() *gorm.DB {
	return DB
}
