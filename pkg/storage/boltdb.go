package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSnapshots = []byte("state_snapshots")
	bucketMeta      = []byte("state_meta")
	keyLastSeq      = []byte("last_sequence_id")
)

// BoltWriter is a BoltDB-backed Writer. Each snapshot is stored as a JSON
// blob keyed by its big-endian sequence id so bolt's ordered key iteration
// can find the highest sequence without a secondary index. keepLast bounds
// how many snapshots are retained; older ones are pruned on every write.
type BoltWriter struct {
	db       *bolt.DB
	keepLast int
}

// NewBoltWriter opens (creating if absent) a snapshot database under
// dataDir/state.db.
func NewBoltWriter(dataDir string, keepLast int) (*BoltWriter, error) {
	if keepLast <= 0 {
		keepLast = 1
	}
	path := filepath.Join(dataDir, "state.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: failed to initialize buckets: %w", err)
	}

	return &BoltWriter{db: db, keepLast: keepLast}, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Write stores snap. The write is rejected if snap.SequenceID does not
// exceed the last persisted sequence id, keeping recovery monotonic.
func (w *BoltWriter) Write(snap Snapshot) error {
	return w.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if last := meta.Get(keyLastSeq); last != nil {
			lastSeq := binary.BigEndian.Uint64(last)
			if snap.SequenceID <= lastSeq {
				return fmt.Errorf("storage: sequence id %d does not exceed last persisted %d", snap.SequenceID, lastSeq)
			}
		}

		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("storage: marshal snapshot: %w", err)
		}

		snapshots := tx.Bucket(bucketSnapshots)
		if err := snapshots.Put(seqKey(snap.SequenceID), data); err != nil {
			return err
		}
		if err := meta.Put(keyLastSeq, seqKey(snap.SequenceID)); err != nil {
			return err
		}

		return pruneOldest(snapshots, w.keepLast)
	})
}

// pruneOldest deletes the oldest entries in snapshots beyond keepLast,
// relying on bbolt's lexicographic (and thus numeric, for fixed-width
// big-endian keys) key ordering. Entries are counted with a cursor because
// Bucket.Stats reads committed pages only and would miss this write's Put.
func pruneOldest(snapshots *bolt.Bucket, keepLast int) error {
	c := snapshots.Cursor()
	count := 0
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}

	for excess := count - keepLast; excess > 0; excess-- {
		if k, _ := c.First(); k == nil {
			break
		}
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// Latest returns the most recently written snapshot, if any.
func (w *BoltWriter) Latest() (Snapshot, bool, error) {
	var snap Snapshot
	found := false
	err := w.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &snap)
	})
	return snap, found, err
}

// Close closes the underlying database file.
func (w *BoltWriter) Close() error {
	return w.db.Close()
}

var _ Writer = (*BoltWriter)(nil)
