// Package journal records each executor stage commit to an embedded
// bbolt database as it happens. This is an audit trail, not a rollback
// mechanism: spec.md's transaction discipline is "no rollback after a
// write" (§5) — the journal exists so a failed run can be diagnosed
// after the fact, not undone.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pop-os/distinst-go/distinsterrs"
)

var stagesBucket = []byte("stages")

// Journal is an append-only log of executor stage commits, one entry per
// (disk, stage) transition.
type Journal struct {
	db *bolt.DB
}

// Entry is one recorded stage commit.
type Entry struct {
	Disk      string    `json:"disk"`
	Stage     string    `json:"stage"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, distinsterrs.Wrap(distinsterrs.IoFailure, err, "opening journal at %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stagesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, distinsterrs.Wrap(distinsterrs.IoFailure, err, "initializing journal buckets")
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// Record appends one stage-commit entry, keyed by the bucket's big-endian
// sequence number so iteration order matches commit order.
func (j *Journal) Record(disk, stage, detail string) error {
	e := Entry{Disk: disk, Stage: stage, Detail: detail, Timestamp: time.Now()}
	raw, err := json.Marshal(e)
	if err != nil {
		return distinsterrs.Wrap(distinsterrs.IoFailure, err, "marshaling journal entry")
	}
	err = j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(stagesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, raw)
	})
	if err != nil {
		return distinsterrs.Wrap(distinsterrs.IoFailure, err, "writing journal entry")
	}
	return nil
}

// Entries returns every recorded entry in commit order, for postmortem
// inspection after a failed run.
func (j *Journal) Entries() ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(stagesBucket)
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, distinsterrs.Wrap(distinsterrs.IoFailure, err, "reading journal entries")
	}
	return entries, nil
}
