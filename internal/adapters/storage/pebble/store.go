// Package pebblestore keeps recording screenshots in a Pebble database on disk
// instead of process memory. Only the image bytes are stored here; recording
// metadata and frame indexes live in memory and are lost on restart.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"
)

const keyPrefix = "shot/"

type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Sync forces a WAL fsync on every write. Off, writes group-commit.
	Sync bool
	// PebbleOptions allows advanced tuning. Nil uses defaults.
	PebbleOptions *pebble.Options
}

// screenshotRecord is the msgpack value stored under shot/{id}.
type screenshotRecord struct {
	ID       string `msgpack:"id"`
	StoredAt int64  `msgpack:"storedAt"`
	Size     int    `msgpack:"size"`
	Data     []byte `msgpack:"data"`
}

type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	if !opts.Sync {
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}
	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", opts.DataDir, err)
	}
	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}
	return &Store{db: db, writeOpts: wo}, nil
}

func key(id string) []byte { return []byte(keyPrefix + id) }

func (s *Store) StoreScreenshot(ctx context.Context, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := msgpack.Marshal(&screenshotRecord{
		ID:       id,
		StoredAt: time.Now().UnixMilli(),
		Size:     len(data),
		Data:     data,
	})
	if err != nil {
		return fmt.Errorf("pebble: encode screenshot: %w", err)
	}
	return s.db.Set(key(id), val, s.writeOpts)
}

func (s *Store) GetScreenshot(ctx context.Context, id string) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	var rec screenshotRecord
	if err := msgpack.Unmarshal(val, &rec); err != nil {
		return nil, false, fmt.Errorf("pebble: decode screenshot %s: %w", id, err)
	}
	// msgpack may alias val, which is only valid until closer.Close
	return append([]byte(nil), rec.Data...), true, nil
}

func (s *Store) DeleteScreenshot(ctx context.Context, id string) error {
	return s.db.Delete(key(id), s.writeOpts)
}

// Count walks the shot/ keyspace.
func (s *Store) Count() (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("shot0"), // '0' follows '/'
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
