// Package store persists the small set of cross-restart caches Warden
// keeps: the last successful Docker socket discovery, the last
// mount-detection result per needle, and the WizardPublisher's last sent
// cursor. None of these are authoritative — every one is revalidated
// live before being trusted.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDockerSockets   = []byte("docker_sockets")
	bucketMountDetections = []byte("mount_detections")
	bucketWizardCursor    = []byte("wizard_cursor")
)

// MountDetection is the cached result of a prior MountDetector run for one
// needle. It is read back only through mount.Detector.CachedFallback.
type MountDetection struct {
	Source     string    `json:"source"`
	DetectedAt time.Time `json:"detectedAt"`
}

// WizardCursor records the last step/status the WizardPublisher
// successfully delivered, so a restart mid-installation can tell whether
// its last update actually reached the vault.
type WizardCursor struct {
	Step   string    `json:"step"`
	Status string    `json:"status"`
	SentAt time.Time `json:"sentAt"`
}

// Store wraps a BoltDB database for Warden's caches.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures all required
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDockerSockets, bucketMountDetections, bucketWizardCursor} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error { return s.db.Close() }

// SaveDockerSockets caches the most recently discovered socket list so a
// restart does not repeat a full filesystem scan before the first install
// request. The cache is advisory: callers must Ping before trusting it.
func (s *Store) SaveDockerSockets(sockets []string) error {
	data, err := json.Marshal(sockets)
	if err != nil {
		return fmt.Errorf("marshal docker sockets: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDockerSockets).Put([]byte("discovered"), data)
	})
}

// LoadDockerSockets returns the cached socket list. Returns nil, nil if no
// cache entry exists yet.
func (s *Store) LoadDockerSockets() ([]string, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDockerSockets).Get([]byte("discovered"))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}
	var sockets []string
	if err := json.Unmarshal(data, &sockets); err != nil {
		return nil, fmt.Errorf("unmarshal docker sockets: %w", err)
	}
	return sockets, nil
}

// SaveMountDetection records the last successful detection for needle.
func (s *Store) SaveMountDetection(needle string, detection MountDetection) error {
	data, err := json.Marshal(detection)
	if err != nil {
		return fmt.Errorf("marshal mount detection: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMountDetections).Put([]byte(needle), data)
	})
}

// LoadMountDetection returns the cached detection for needle, and whether
// one was found.
func (s *Store) LoadMountDetection(needle string) (MountDetection, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMountDetections).Get([]byte(needle))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil || data == nil {
		return MountDetection{}, false, err
	}
	var detection MountDetection
	if err := json.Unmarshal(data, &detection); err != nil {
		return MountDetection{}, false, fmt.Errorf("unmarshal mount detection: %w", err)
	}
	return detection, true, nil
}

// SaveWizardCursor records the last update the WizardPublisher delivered.
func (s *Store) SaveWizardCursor(cursor WizardCursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("marshal wizard cursor: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWizardCursor).Put([]byte("cursor"), data)
	})
}

// LoadWizardCursor returns the last recorded wizard cursor, if any.
func (s *Store) LoadWizardCursor() (WizardCursor, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketWizardCursor).Get([]byte("cursor"))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil || data == nil {
		return WizardCursor{}, false, err
	}
	var cursor WizardCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return WizardCursor{}, false, fmt.Errorf("unmarshal wizard cursor: %w", err)
	}
	return cursor, true, nil
}
