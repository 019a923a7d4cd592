// Package badgerstore backs the machine-store port with an embedded
// badger database, for single-host operation and tests. Each machine
// is a contiguous run of entry keys plus a head index.
package badgerstore

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/oscoin/radicle/internal/domain"
)

type Options struct {
	// Path is the database directory; ignored when InMemory is set.
	Path     string
	InMemory bool

	// Logger receives badger's internal logging. Defaults to a named
	// hclog logger at warn level.
	Logger hclog.Logger
}

type Store struct {
	db *badger.DB
}

func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{Name: "badgerstore", Level: hclog.Warn})
	}

	badgerOpts := badger.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithLogger(hclogBridge{logger})

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateMachine allocates a fresh machine id with an empty log.
func (s *Store) CreateMachine(ctx context.Context) (domain.MachineID, error) {
	id := domain.MachineID(uuid.NewString())

	err := s.db.Update(func(txn *badger.Txn) error {
		key := headKey(id)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("machine %s already exists", id)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, encodeIndex(0))
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMachineCreation, err)
	}
	return id, nil
}

// EntriesFrom returns the log's latest index and every entry after
// since, in log order. Entry indexes are 1-based; a nil since reads
// from the start.
func (s *Store) EntriesFrom(ctx context.Context, id domain.MachineID, since *uint64) (uint64, []domain.Value, error) {
	var latest uint64
	var entries []domain.Value

	err := s.db.View(func(txn *badger.Txn) error {
		head, err := readHead(txn, id)
		if err != nil {
			return err
		}
		latest = head

		start := uint64(1)
		if since != nil {
			start = *since + 1
		}
		for i := start; i <= head; i++ {
			item, err := txn.Get(entryKey(id, i))
			if err != nil {
				return fmt.Errorf("entry %d missing: %w", i, err)
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, domain.Value(val))
		}
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("entries from %s: %w", id, err)
	}
	return latest, entries, nil
}

// AppendEntries appends the batch in one transaction: either every
// entry lands and the head advances past all of them, or nothing
// changes.
func (s *Store) AppendEntries(ctx context.Context, id domain.MachineID, entries []domain.Value) error {
	if len(entries) == 0 {
		return nil
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		head, err := readHead(txn, id)
		if err != nil {
			return err
		}
		for i, entry := range entries {
			if err := txn.Set(entryKey(id, head+1+uint64(i)), []byte(entry)); err != nil {
				return err
			}
		}
		return txn.Set(headKey(id), encodeIndex(head+uint64(len(entries))))
	})
	if err != nil {
		return fmt.Errorf("append to %s: %w", id, err)
	}
	return nil
}

func readHead(txn *badger.Txn, id domain.MachineID) (uint64, error) {
	item, err := txn.Get(headKey(id))
	if err == badger.ErrKeyNotFound {
		return 0, fmt.Errorf("machine %s not found", id)
	}
	if err != nil {
		return 0, err
	}
	var head uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt head for machine %s", id)
		}
		head = binary.BigEndian.Uint64(val)
		return nil
	})
	return head, err
}

func headKey(id domain.MachineID) []byte {
	return []byte("m/" + id.String() + "/head")
}

// entryKey orders entries by index under the machine's prefix.
func entryKey(id domain.MachineID, index uint64) []byte {
	return append([]byte("m/"+id.String()+"/e/"), encodeIndex(index)...)
}

func encodeIndex(i uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, i)
	return buf
}
