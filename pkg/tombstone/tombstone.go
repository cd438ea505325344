// Package tombstone keeps an out-of-band ledger of deleted nodes.
//
// Node deletion is silent in the sync protocol: removing the version
// record makes the node simply stop appearing, and a client that saw it
// before has no way to learn where it went. The ledger exists for the
// operator, not the protocol. When a node vanishes (explicit delete or
// orphan expiry) a small record lands in a local BadgerDB so "where did
// my memory go" has an answer. Nothing in the store ever reads it back;
// sync semantics are unaffected.
package tombstone

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// Reasons a node can be tombstoned.
const (
	ReasonDeleted       = "deleted"
	ReasonOrphanExpired = "orphan-expired"
)

// Record is one deleted node.
type Record struct {
	GraphKey  string  `json:"graph_key"` // "user" or "project:<path>"
	ID        string  `json:"id"`
	Gist      string  `json:"gist"`
	DeletedTS float64 `json:"deleted_ts"`
	Reason    string  `json:"reason"`
}

// Ledger is an append-mostly BadgerDB of tombstone records, keyed so a
// reverse scan yields newest-first.
type Ledger struct {
	db *badger.DB
}

// Open opens (or creates) the ledger at dir.
func Open(dir string) (*Ledger, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening tombstone ledger at %s: %w", dir, err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// key orders records by deletion time; the zero-padded fixed-width float
// keeps lexicographic order equal to numeric order.
func key(rec Record) []byte {
	return []byte(fmt.Sprintf("%020.6f|%s|%s", rec.DeletedTS, rec.GraphKey, rec.ID))
}

// Append writes one record.
func (l *Ledger) Append(rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling tombstone for %q: %w", rec.ID, err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec), value)
	})
}

// Recent returns up to limit records, newest first.
func (l *Ledger) Recent(limit int) ([]Record, error) {
	var records []Record
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek past every possible key.
		for it.Seek([]byte{0xff}); it.Valid() && len(records) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
