// Copyright 2026 Actionstat Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"fmt"
	"time"

	"github.com/actionstat/actionstat/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const dataTablePrefix = "l_"

// Driver selects the underlying database engine.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Database defines database configuration.
type Database struct {
	Driver       string      `mapstructure:"driver"`
	Path         string      `mapstructure:"path"` // sqlite file path
	MySQL        MySQLConfig `mapstructure:"mysql"`
	MaxOpenConns int         `mapstructure:"maxOpenConns"`
	MaxIdleConns int         `mapstructure:"maxIdleConns"`
	MaxLifetime  int         `mapstructure:"maxLifetime"` // seconds
	MaxIdleTime  int         `mapstructure:"maxIdleTime"` // seconds
	OutPut       bool        `mapstructure:"output"`      // log SQL statements
}

// MySQLConfig defines MySQL connection settings.
type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// SetDefaults fills missing configuration with safe defaults.
func (c *Database) SetDefaults() {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.Path == "" {
		c.Path = "./data/actionstat.db"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 3600
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 600
	}
}

// Manager defines the unified database interface.
type Manager interface {
	// DB returns the database connection
	DB() *gorm.DB

	// Close closes all database connections
	Close() error
}

// managerImpl implements the Manager interface
type managerImpl struct {
	db *gorm.DB
}

// DB returns the database connection
func (m *managerImpl) DB() *gorm.DB {
	return m.db
}

// Close closes all database connections
func (m *managerImpl) Close() error {
	if m.db == nil {
		return nil
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return nil
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// NewManager creates a new database manager for the configured driver.
func NewManager(cfg Database) (Manager, error) {
	cfg.SetDefaults()

	db, err := newConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	log.Infow("database connected", "driver", cfg.Driver)

	return &managerImpl{db: db}, nil
}

// newConnection opens a GORM connection for the configured driver.
func newConnection(cfg Database) (*gorm.DB, error) {
	logConfig := gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Silent,
		Colorful:                  false,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
	}

	gormLogger := gormlogger.Default.LogMode(gormlogger.Silent)
	if cfg.OutPut {
		gormLogger = gormlogger.New(gormLoggerWriter{}, logConfig)
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverMySQL:
		dsn := buildMySQLDSN(cfg.MySQL)
		dialector = mysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   dataTablePrefix,
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB handle: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.MaxIdleTime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func buildMySQLDSN(c MySQLConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// gormLoggerWriter adapts the structured logger to gorm's Printf interface.
type gormLoggerWriter struct{}

func (gormLoggerWriter) Printf(format string, args ...any) {
	log.Infow("gorm", "sql", fmt.Sprintf(format, args...))
}
