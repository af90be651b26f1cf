// Package db opens the console's bbolt file.
package db

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Buckets. settings holds console-wide values such as the last range and
// the token secret; selection maps a range id to its selected room;
// operators maps an operator to the salt its tokens are bound to.
var (
	BucketSettings  = []byte("settings")
	BucketSelection = []byte("selection")
	BucketOperators = []byte("operators")
)

// FileName is the database file created under the data directory.
const FileName = "rangeconsole.db"

// SchemaVersion is recorded in the settings bucket on first open.
const SchemaVersion = 1

var keySchemaVersion = []byte("schema_version")

var ErrNewerSchema = errors.New("database was written by a newer rangeconsole")

// Open opens <dataDir>/rangeconsole.db, creating the directory, buckets and
// schema marker as needed. Another process holding the file makes Open fail
// after a second instead of blocking.
func Open(dataDir string) (*bolt.DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, FileName)
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := bdb.Update(bootstrap); err != nil {
		bdb.Close()
		return nil, err
	}

	slog.Info("database ready", "path", path, "schema", SchemaVersion)
	return bdb, nil
}

func bootstrap(tx *bolt.Tx) error {
	for _, name := range [][]byte{BucketSettings, BucketSelection, BucketOperators} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("create bucket %s: %w", name, err)
		}
	}

	settings := tx.Bucket(BucketSettings)
	raw := settings.Get(keySchemaVersion)
	if raw == nil {
		return settings.Put(keySchemaVersion, []byte(strconv.Itoa(SchemaVersion)))
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return fmt.Errorf("schema version %q: %w", raw, err)
	}
	if v > SchemaVersion {
		return fmt.Errorf("%w: schema %d, supported %d", ErrNewerSchema, v, SchemaVersion)
	}
	return nil
}
