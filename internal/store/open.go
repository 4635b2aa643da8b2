package store

import (
	"context"
	"fmt"
	"strings"
)

// Supported values of Config.Driver.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMongo  = "mongo"
)

// Config selects and configures a Repository backend.
type Config struct {
	Driver        string
	SQLitePath    string
	BoltPath      string
	MongoURI      string
	MongoDatabase string
}

// Open returns the Repository selected by cfg.Driver.
func Open(ctx context.Context, cfg Config, opts ...Option) (Repository, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite:
		return NewSQLite(cfg.SQLitePath, opts...)
	case DriverBolt:
		return NewBolt(cfg.BoltPath, opts...)
	case DriverMongo:
		return NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, opts...)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}
