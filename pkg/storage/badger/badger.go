// Package badger opens the embedded Badger database shared by the saga store and the
// dead-letter store.
package badger

import (
	"fmt"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/storage"
)

// Config holds configuration for a Badger database.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int

	// InMemory keeps all data in memory; Path is ignored.
	InMemory bool
}

// FromConfig converts the storage.badger section.
func FromConfig(cfg config.BadgerConfig) *Config {
	return &Config{
		Path:              cfg.Path,
		SyncWrites:        cfg.SyncWrites,
		ValueLogFileSize:  cfg.ValueLogFileSize,
		NumVersionsToKeep: cfg.NumVersionsToKeep,
	}
}

// Open opens the database described by cfg. Badger's internal logging is routed through log.
func Open(cfg *Config, log logger.Logger) (*badgerdb.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("badger config cannot be nil")
	}
	if log == nil {
		log = logger.Global()
	}

	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger path cannot be empty")
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
		opts.SyncWrites = cfg.SyncWrites
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = cfg.NumVersionsToKeep
	}
	opts.Logger = &badgerLogger{log: log.With("component", "badger")}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Backend: "badger", Cause: err}
	}
	return db, nil
}

// badgerLogger adapts logger.Logger to badger.Logger. Badger's info chatter is logged at debug.
type badgerLogger struct {
	log logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(trimf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(trimf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(trimf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(trimf(format, args...))
}

func trimf(format string, args ...interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
