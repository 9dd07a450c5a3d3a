package syncagent

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"blockcollab/workspace"
)

const bucketDrafts = "drafts"

// DraftStore keeps the latest local snapshot of each session on disk, so
// work survives an agent restart while the session is empty.
type DraftStore struct {
	db *bolt.DB
}

// OpenDrafts opens (creating if needed) the draft database at path.
func OpenDrafts(path string) (*DraftStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("syncagent: open drafts: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketDrafts))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("syncagent: init drafts: %w", err)
	}
	return &DraftStore{db: db}, nil
}

// Close closes the database.
func (d *DraftStore) Close() error { return d.db.Close() }

// Put replaces the draft of sessionID.
func (d *DraftStore) Put(sessionID string, snap *workspace.Snapshot) error {
	data, err := json.Marshal(snap.Canonical())
	if err != nil {
		return fmt.Errorf("syncagent: encode draft: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDrafts)).Put([]byte(sessionID), data)
	})
}

// Get returns the draft of sessionID, or nil if there is none.
func (d *DraftStore) Get(sessionID string) (*workspace.Snapshot, error) {
	var snap *workspace.Snapshot
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketDrafts)).Get([]byte(sessionID))
		if v == nil {
			return nil
		}
		snap = &workspace.Snapshot{}
		return json.Unmarshal(v, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("syncagent: read draft %s: %w", sessionID, err)
	}
	return snap, nil
}

// Delete removes the draft of sessionID.
func (d *DraftStore) Delete(sessionID string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDrafts)).Delete([]byte(sessionID))
	})
}
