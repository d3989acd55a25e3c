package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"

	"github.com/f3rmion/aura/internal/codec"
)

const (
	prefixRecord   byte = 0x01
	prefixSnapshot byte = 0x02
)

func recordKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixRecord
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

var snapshotKey = []byte{prefixSnapshot}

// BadgerStore persists the journal in a badger database. Records are keyed
// by big-endian sequence number so iteration follows append order.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a store in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithKeepL0InMemory(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an open database. The caller keeps ownership of db
// but Close closes it.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func insert(key []byte, entity any) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		_, err := tx.Get(key)
		if err == nil {
			return fmt.Errorf("key %x already exists", key)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("could not check key: %w", err)
		}
		return upsert(key, entity)(tx)
	}
}

func upsert(key []byte, entity any) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		val, err := codec.Marshal(entity)
		if err != nil {
			return fmt.Errorf("could not encode entity: %w", err)
		}
		if err := tx.Set(key, val); err != nil {
			return fmt.Errorf("could not store data: %w", err)
		}
		return nil
	}
}

func retrieve(key []byte, entity any) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		item, err := tx.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return codec.Unmarshal(val, entity)
		})
	}
}

// iterateRecords calls fn for each record with seq >= from.
func iterateRecords(from uint64, fn func(key []byte, rec Record) error) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixRecord}
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Seek(recordKey(from)); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			var rec Record
			err := item.Value(func(val []byte) error {
				return codec.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("could not decode record: %w", err)
			}
			if err := fn(item.KeyCopy(nil), rec); err != nil {
				return err
			}
		}
		return nil
	}
}

func (b *BadgerStore) Append(_ context.Context, rec Record, snap Snapshot) error {
	return b.db.Update(func(tx *badger.Txn) error {
		if err := insert(recordKey(rec.Seq), rec)(tx); err != nil {
			return err
		}
		return upsert(snapshotKey, snap)(tx)
	})
}

func (b *BadgerStore) Snapshot(context.Context) (Snapshot, bool, error) {
	var snap Snapshot
	err := b.db.View(retrieve(snapshotKey, &snap))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("could not load snapshot: %w", err)
	}
	return snap, true, nil
}

func (b *BadgerStore) Records(_ context.Context, from uint64) ([]Record, error) {
	var out []Record
	err := b.db.View(iterateRecords(from, func(_ []byte, rec Record) error {
		out = append(out, rec)
		return nil
	}))
	return out, err
}

func (b *BadgerStore) Prune(_ context.Context, before uint64) (int, error) {
	var stale [][]byte
	err := b.db.View(iterateRecords(0, func(key []byte, rec Record) error {
		if rec.Epoch < before {
			stale = append(stale, key)
		}
		return nil
	}))
	if err != nil {
		return 0, err
	}
	batch := b.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range stale {
		if err := batch.Delete(key); err != nil {
			return 0, fmt.Errorf("could not delete record: %w", err)
		}
	}
	if err := batch.Flush(); err != nil {
		return 0, fmt.Errorf("could not prune records: %w", err)
	}
	return len(stale), nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
