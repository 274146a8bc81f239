package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/panupd/panupd/share/logger"
)

// DefaultTTL is how long a persisted checkpoint stays trustworthy. Anything
// older is discarded on load without asking.
const DefaultTTL = 2 * time.Hour

var (
	upgradeBucket = []byte("upgrade")
	rebootBucket  = []byte("reboot")
	currentKey    = []byte("current")
)

// UpgradeCheckpoint is the durable record of an in-flight upgrade step. It is
// written on every step transition so a restarted daemon can offer to resume.
type UpgradeCheckpoint struct {
	JobID           string    `json:"job_id"`
	SelectedVersion string    `json:"selected_version"`
	CurrentStep     string    `json:"current_step"`
	Timestamp       time.Time `json:"timestamp"`
}

func (c *UpgradeCheckpoint) schemaValid() bool {
	return c.JobID != "" && c.SelectedVersion != "" && c.CurrentStep != "" && !c.Timestamp.IsZero()
}

// RebootCheckpoint is the durable record of active post-reboot monitoring. A
// restarted daemon picks it up and watches the remainder of the window.
type RebootCheckpoint struct {
	IsMonitoring    bool      `json:"is_monitoring"`
	SelectedVersion string    `json:"selected_version"`
	StartTime       time.Time `json:"start_time"`
	Timestamp       time.Time `json:"timestamp"`
}

func (c *RebootCheckpoint) schemaValid() bool {
	return c.IsMonitoring && c.SelectedVersion != "" && !c.StartTime.IsZero() && !c.Timestamp.IsZero()
}

// Store persists workflow checkpoints in a small bolt database. Records are
// validated against schema and TTL on load; corrupt or expired records are
// deleted and reported as absent rather than surfaced as errors.
type Store struct {
	db  *bolt.DB
	ttl time.Duration
	log *logger.Logger
}

func NewStore(path string, ttl time.Duration, log *logger.Logger) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{upgradeBucket, rebootBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to init checkpoint buckets")
	}
	return &Store{db: db, ttl: ttl, log: log.Fork("checkpoint")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveUpgrade persists the upgrade checkpoint, stamping it with the current
// time when the caller didn't.
func (s *Store) SaveUpgrade(c UpgradeCheckpoint) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	return s.put(upgradeBucket, c)
}

// LoadUpgrade returns the stored upgrade checkpoint if one exists, passes
// schema validation and is younger than the TTL.
func (s *Store) LoadUpgrade() (*UpgradeCheckpoint, bool) {
	c := &UpgradeCheckpoint{}
	if !s.load(upgradeBucket, c) {
		return nil, false
	}
	if !c.schemaValid() {
		s.log.Infof("discarding malformed upgrade checkpoint")
		_ = s.ClearUpgrade()
		return nil, false
	}
	if s.expired(c.Timestamp) {
		s.log.Infof("discarding stale upgrade checkpoint from %s", c.Timestamp.Format(time.RFC3339))
		_ = s.ClearUpgrade()
		return nil, false
	}
	return c, true
}

func (s *Store) ClearUpgrade() error {
	return s.delete(upgradeBucket)
}

func (s *Store) SaveReboot(c RebootCheckpoint) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	return s.put(rebootBucket, c)
}

func (s *Store) LoadReboot() (*RebootCheckpoint, bool) {
	c := &RebootCheckpoint{}
	if !s.load(rebootBucket, c) {
		return nil, false
	}
	if !c.schemaValid() || s.expired(c.Timestamp) {
		s.log.Infof("discarding unusable reboot monitoring checkpoint")
		_ = s.ClearReboot()
		return nil, false
	}
	return c, true
}

func (s *Store) ClearReboot() error {
	return s.delete(rebootBucket)
}

func (s *Store) expired(ts time.Time) bool {
	return time.Since(ts) > s.ttl
}

func (s *Store) put(bucket []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(currentKey, data)
	})
	return errors.Wrap(err, "failed to write checkpoint")
}

func (s *Store) load(bucket []byte, v interface{}) bool {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucket).Get(currentKey); raw != nil {
			data = append(data, raw...)
		}
		return nil
	})
	if err != nil || data == nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.log.Infof("discarding corrupt checkpoint record: %v", err)
		_ = s.delete(bucket)
		return false
	}
	return true
}

func (s *Store) delete(bucket []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(currentKey)
	})
	return errors.Wrap(err, "failed to clear checkpoint")
}
