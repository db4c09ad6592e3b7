package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.s3sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the journal database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket       = []byte("app")
	transfersBucket = []byte("transfers")
	reconcileKey    = []byte("last_reconcile")
)

// Op names a completed transfer kind.
type Op string

const (
	OpUpload       Op = "upload"
	OpDownload     Op = "download"
	OpDeleteRemote Op = "delete_remote"
	OpDeleteLocal  Op = "delete_local"
)

// Transfer is the last completed operation for a single key.
type Transfer struct {
	Key            string    `json:"key"`
	Op             Op        `json:"op"`
	Size           int64     `json:"size"`
	RemoteModified time.Time `json:"remote_modified,omitzero"`
	At             time.Time `json:"at"`
}

// Reconciliation summarizes the most recent full sync pass.
type Reconciliation struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Uploaded   int           `json:"uploaded"`
	Downloaded int           `json:"downloaded"`
	Deleted    int           `json:"deleted"`
	Failed     int           `json:"failed"`
}

// Journal wraps a bbolt database recording completed transfers.
type Journal struct {
	db *bolt.DB
}

// Open opens the journal at path, creating it if it does not exist.
func Open(path string) (*Journal, error) {
	return open(path, &bolt.Options{Timeout: stateOpenTimeout})
}

// OpenReadOnly opens an existing journal without taking the write lock.
// It fails after timeout if a running client holds the database.
func OpenReadOnly(path string, timeout time.Duration) (*Journal, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	return open(path, &bolt.Options{Timeout: timeout, ReadOnly: true})
}

func open(path string, opts *bolt.Options) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, opts)
	if err != nil {
		return nil, fmt.Errorf("opening journal db: %w", err)
	}

	if opts.ReadOnly {
		return &Journal{db: db}, nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{appBucket, transfersBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordTransfer stores t as the latest transfer for its key.
func (j *Journal) RecordTransfer(t Transfer) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshaling transfer: %w", err)
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transfersBucket).Put([]byte(t.Key), data)
	})
}

// Transfer returns the latest transfer for key, or nil if none exists.
func (j *Journal) Transfer(key string) (*Transfer, error) {
	var t *Transfer

	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		if b == nil {
			return nil
		}

		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}

		t = &Transfer{}

		return json.Unmarshal(data, t)
	})
	if err != nil {
		return nil, fmt.Errorf("reading transfer %s: %w", key, err)
	}

	return t, nil
}

// RecentTransfers returns up to limit transfers, newest first.
func (j *Journal) RecentTransfers(limit int) ([]Transfer, error) {
	var all []Transfer

	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var t Transfer
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			all = append(all, t)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}

	sort.Slice(all, func(a, b int) bool {
		return all[a].At.After(all[b].At)
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	return all, nil
}

// SetReconciliation stores the summary of the last full sync.
func (j *Journal) SetReconciliation(r Reconciliation) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling reconciliation: %w", err)
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(reconcileKey, data)
	})
}

// Reconciliation returns the last full sync summary, or nil if none ran.
func (j *Journal) Reconciliation() (*Reconciliation, error) {
	var r *Reconciliation

	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if b == nil {
			return nil
		}

		data := b.Get(reconcileKey)
		if data == nil {
			return nil
		}

		r = &Reconciliation{}

		return json.Unmarshal(data, r)
	})
	if err != nil {
		return nil, fmt.Errorf("reading reconciliation: %w", err)
	}

	return r, nil
}
