// Package history keeps a small bbolt-backed ledger of maintenance pass
// outcomes next to the authoritative pool/host files, the same role
// store.Database plays for daemon and snapshot bookkeeping, repurposed
// here for pass bookkeeping: not load-bearing for any durable invariant,
// but the kind of self-observability worth keeping around.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const databaseFileName = "history.db"

var passesBucketName = []byte("passes")

// Record describes the outcome of one maintenance invocation.
type Record struct {
	PassID     string        `json:"PassID"`
	StartedAt  time.Time     `json:"StartedAt"`
	Duration   time.Duration `json:"Duration"`
	Mode       string        `json:"Mode"` // "single-host" or "global"
	Host       string        `json:"Host,omitempty"`
	ShardStart int           `json:"ShardStart"`
	ShardEnd   int           `json:"ShardEnd"`
	ErrorCount int           `json:"ErrorCount"`
}

// Ledger is a bbolt database recording one Record per pass, keyed by a
// monotonically increasing sequence number so Tail can return the most
// recent N in order.
type Ledger struct {
	db *bolt.DB
}

// Open creates or opens the ledger database under rootDir.
func Open(rootDir string) (*Ledger, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", rootDir)
	}
	dbPath := filepath.Join(rootDir, databaseFileName)
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dbPath)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(passesBucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize history bucket")
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Append inserts r under the next sequence key.
func (l *Ledger) Append(r Record) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(passesBucketName)
		seq, err := b.NextSequence()
		if err != nil {
			return errors.Wrap(err, "allocate sequence")
		}
		value, err := json.Marshal(r)
		if err != nil {
			return errors.Wrap(err, "marshal pass record")
		}
		return b.Put(itob(seq), value)
	})
}

// Tail returns the most recent n records, oldest first.
func (l *Ledger) Tail(n int) ([]Record, error) {
	var records []Record
	if err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(passesBucketName)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(records) < n; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return errors.Wrapf(err, "unmarshal record at %x", k)
			}
			records = append(records, r)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	// records were collected newest-first; reverse to oldest-first.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
