package badger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/storage"
)

func TestOpen_OnDisk(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(&Config{
		Path:              tmpDir,
		SyncWrites:        false, // Faster for tests
		ValueLogFileSize:  1 << 20,
		NumVersionsToKeep: 1,
	}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte("saga:order-1"), []byte("created"))
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Data survives a reopen.
	db, err = Open(&Config{Path: tmpDir, ValueLogFileSize: 1 << 20}, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	err = db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte("saga:order-1"))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if string(v) != "created" {
				t.Errorf("expected 'created', got %q", v)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
}

func TestOpen_InMemory(t *testing.T) {
	db, err := Open(&Config{InMemory: true}, logger.Global())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if !db.Opts().InMemory {
		t.Error("expected in-memory database")
	}
}

func TestOpen_Errors(t *testing.T) {
	if _, err := Open(nil, nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := Open(&Config{}, nil); err == nil {
		t.Error("expected error for empty path")
	}

	// A regular file where the directory should be cannot be opened.
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	_, err := Open(&Config{Path: file}, nil)
	if err == nil {
		t.Fatal("expected error opening a file path")
	}
	var unavailable *storage.StorageUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected StorageUnavailableError, got %T", err)
	}
	if unavailable.Backend != "badger" {
		t.Errorf("expected backend badger, got %s", unavailable.Backend)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.DefaultConfig().Storage.Badger)
	if cfg.Path != "./data/ordersaga" {
		t.Errorf("unexpected path %s", cfg.Path)
	}
	if !cfg.SyncWrites {
		t.Error("expected sync writes")
	}
	if cfg.InMemory {
		t.Error("expected on-disk config")
	}
}
