package cache

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/quizrelay/quizrelay/internal/protocol"
)

var (
	bucketOwn   = []byte("own_responses")
	bucketPeers = []byte("peer_responses")
	bucketMeta  = []byte("meta")

	keyRelayAddress = []byte("last_known_relay_address")
)

// LocalCache holds this device's own submissions and everything observed
// from peers, keyed by (questionID, userID). Entries are never pruned; the
// cache is bounded by question count, not time. When opened with a path the
// cache is mirrored into a bbolt file so submissions survive a restart.
type LocalCache struct {
	mu    sync.RWMutex
	own   map[string]map[string]protocol.Response
	peers map[string]map[string]protocol.Response
	db    *bolt.DB
}

// NewMemory builds an unpersisted cache.
func NewMemory() *LocalCache {
	return &LocalCache{
		own:   map[string]map[string]protocol.Response{},
		peers: map[string]map[string]protocol.Response{},
	}
}

// Open loads (or creates) a persisted cache at path.
func Open(path string) (*LocalCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	c := NewMemory()
	c.db = db
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketOwn, bucketPeers, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache buckets: %w", err)
	}
	if err := c.load(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the backing file, if any.
func (c *LocalCache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *LocalCache) load() error {
	return c.db.View(func(tx *bolt.Tx) error {
		if err := loadBucket(tx.Bucket(bucketOwn), c.own); err != nil {
			return err
		}
		return loadBucket(tx.Bucket(bucketPeers), c.peers)
	})
}

func loadBucket(b *bolt.Bucket, into map[string]map[string]protocol.Response) error {
	return b.ForEach(func(_, v []byte) error {
		var r protocol.Response
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("corrupt cache entry: %w", err)
		}
		byUser, ok := into[r.QuestionID]
		if !ok {
			byUser = map[string]protocol.Response{}
			into[r.QuestionID] = byUser
		}
		byUser[r.UserID] = r
		return nil
	})
}

// PutOwn records one of this device's submissions, replacing any prior entry
// under the same key. The cache write never fails from the caller's point of
// view; a persistence error is returned for logging but the in-memory entry
// is already in place.
func (c *LocalCache) PutOwn(r protocol.Response) error {
	c.mu.Lock()
	put(c.own, r)
	c.mu.Unlock()
	return c.persist(bucketOwn, r)
}

// PutPeer records a response observed from another client, unconditionally
// overwriting any prior entry for the key. No timestamp check: the Hub is
// trusted to have resolved ordering for what it forwards.
func (c *LocalCache) PutPeer(r protocol.Response) error {
	c.mu.Lock()
	put(c.peers, r)
	c.mu.Unlock()
	return c.persist(bucketPeers, r)
}

func put(m map[string]map[string]protocol.Response, r protocol.Response) {
	byUser, ok := m[r.QuestionID]
	if !ok {
		byUser = map[string]protocol.Response{}
		m[r.QuestionID] = byUser
	}
	byUser[r.UserID] = r
}

func (c *LocalCache) persist(bucket []byte, r protocol.Response) error {
	if c.db == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(entryKey(r.QuestionID, r.UserID), data)
	})
}

func entryKey(questionID, userID string) []byte {
	return []byte(questionID + "\x00" + userID)
}

// OwnResponses returns a flat copy of every queued own submission.
func (c *LocalCache) OwnResponses() []protocol.Response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return flatten(c.own)
}

// PeerResponses returns the observed peer submissions for one question.
func (c *LocalCache) PeerResponses(questionID string) []protocol.Response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byUser := c.peers[questionID]
	out := make([]protocol.Response, 0, len(byUser))
	for _, r := range byUser {
		out = append(out, r)
	}
	return out
}

// OwnResponse returns this device's submission for one key.
func (c *LocalCache) OwnResponse(questionID, userID string) (protocol.Response, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.own[questionID][userID]
	return r, ok
}

func flatten(m map[string]map[string]protocol.Response) []protocol.Response {
	out := []protocol.Response{}
	for _, byUser := range m {
		for _, r := range byUser {
			out = append(out, r)
		}
	}
	return out
}

// SetRelayAddress persists the last relay address a connect succeeded
// against, for reconnects across restarts.
func (c *LocalCache) SetRelayAddress(addr string) error {
	if c.db == nil {
		return nil
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyRelayAddress, []byte(addr))
	})
}

// RelayAddress returns the persisted relay address, or "" when none is set.
func (c *LocalCache) RelayAddress() string {
	if c.db == nil {
		return ""
	}
	var addr string
	_ = c.db.View(func(tx *bolt.Tx) error {
		addr = string(tx.Bucket(bucketMeta).Get(keyRelayAddress))
		return nil
	})
	return addr
}
