package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Factory provides centralized access to all repositories
type Factory struct {
	db           *gorm.DB
	repositories *Repositories
	once         sync.Once
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{db: db}
}

// GetRepositories returns all repositories (lazy initialization)
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repositories = NewRepositories(f.db)
	})
	return f.repositories
}

// GetUserRepository returns the user repository
func (f *Factory) GetUserRepository() UserRepository {
	return f.GetRepositories().User
}

// Global factory instance for easy access
var globalFactory *Factory
var factoryOnce sync.Once

// InitializeFactory initializes the global repository factory
func InitializeFactory(db *gorm.DB) {
	factoryOnce.Do(func() {
		globalFactory = NewFactory(db)
	})
}

// GetGlobalFactory returns the global repository factory
func GetGlobalFactory() *Factory {
	if globalFactory == nil {
		panic("Repository factory not initialized. Call InitializeFactory first.")
	}
	return globalFactory
}

// GetGlobalRepositories returns all repositories from the global factory
func GetGlobalRepositories() *Repositories {
	return GetGlobalFactory().GetRepositories()
}
