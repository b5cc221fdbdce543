package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	guuid "github.com/satori/go.uuid"

	ilog "github.com/parley-im/parley/log"
	"github.com/parley-im/parley/proto"
)

// PendingDelivery is one drained offline item, payload already resolved.
type PendingDelivery struct {
	Header  *proto.Header
	Payload []byte
}

// offlineRecord is the pebble value. Small payloads ride inline; payloads
// above the spool threshold live in a spool file referenced by path.
type offlineRecord struct {
	Header    *proto.Header `json:"header"`
	Payload   []byte        `json:"payload,omitempty"`
	SpoolPath string        `json:"spool_path,omitempty"`
}

// OfflineStore holds deliveries for users not currently connected. The pebble
// index keys are sortable per-user sequences, so per-recipient FIFO order is
// kept and pending items survive a server restart. A spooled payload is
// deleted only after the drain that read it back; the store never retains a
// payload once it reports success.
type OfflineStore struct {
	db        *pebble.DB
	spoolDir  string
	threshold int64
	seq       uint64
	locks     keyedMutex
	log       *ilog.Logger
}

// OpenOfflineStore opens (or creates) the store under dir: the pebble index
// at dir/offline, spool files at dir/spool.
func OpenOfflineStore(dir string, spoolThreshold int64) (*OfflineStore, error) {
	spoolDir := filepath.Join(dir, "spool")
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, NewStorageError(err)
	}
	db, err := pebble.Open(filepath.Join(dir, "offline"), &pebble.Options{})
	if err != nil {
		return nil, NewStorageError(err)
	}
	logger := ilog.NewLogger()
	logger.Fields["entity"] = "offline-store"
	return &OfflineStore{
		db:        db,
		spoolDir:  spoolDir,
		threshold: spoolThreshold,
		log:       logger,
	}, nil
}

func (s *OfflineStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Key format: q/<user>/<unix_nano_padded>-<seq>. The timestamp keeps order
// across restarts, the counter breaks same-nanosecond ties.
func (s *OfflineStore) nextKey(username string) []byte {
	ts := time.Now().UTC().UnixNano()
	n := atomic.AddUint64(&s.seq, 1)
	return []byte(fmt.Sprintf("q/%s/%020d-%06d", url.PathEscape(username), ts, n))
}

func (s *OfflineStore) userPrefix(username string) []byte {
	return []byte("q/" + url.PathEscape(username) + "/")
}

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Enqueue stores one pending delivery for username. Payloads above the spool
// threshold are written to a spool file named by (username, unique token,
// declared filename); the index record then carries the path instead of the
// bytes.
func (s *OfflineStore) Enqueue(username string, h *proto.Header, payload []byte) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	lock := s.locks.get(username)
	lock.Lock()
	defer lock.Unlock()
	return s.enqueueLocked(username, h, payload)
}

func (s *OfflineStore) enqueueLocked(username string, h *proto.Header, payload []byte) error {
	rec := offlineRecord{Header: h}
	if len(payload) > 0 && int64(len(payload)) > s.threshold {
		token := guuid.NewV4().String()
		name := fmt.Sprintf("%s_%s_%s", url.PathEscape(username), token, filepath.Base(h.Filename))
		path := filepath.Join(s.spoolDir, name)
		if err := os.WriteFile(path, payload, 0o600); err != nil {
			return NewStorageError(err)
		}
		rec.SpoolPath = path
	} else {
		rec.Payload = payload
	}

	raw, err := json.Marshal(&rec)
	if err != nil {
		return NewStorageError(err)
	}
	if err = s.db.Set(s.nextKey(username), raw, pebble.Sync); err != nil {
		if rec.SpoolPath != "" {
			os.Remove(rec.SpoolPath)
		}
		return NewStorageError(err)
	}
	s.log.Debugf("enqueued offline item for %v (type=%v, spooled=%v)", username, h.Type, rec.SpoolPath != "")
	return nil
}

// Drain removes and returns every pending item for username in FIFO order,
// spooled payloads read back into memory and their files deleted. The
// per-user lock blocks concurrent enqueues for the same user, so nothing
// enqueued during the drain is lost and nothing is handed out twice. An item
// whose spool file cannot be read stays queued for the next attempt.
func (s *OfflineStore) Drain(username string) ([]PendingDelivery, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	lock := s.locks.get(username)
	lock.Lock()
	defer lock.Unlock()

	prefix := s.userPrefix(username)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, NewStorageError(err)
	}

	var items []PendingDelivery
	var consumedKeys [][]byte
	var spooled []string
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		rec := offlineRecord{}
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			// Unreadable record: drop it, there is nothing left to deliver.
			s.log.Errorf("dropping corrupt offline record %q: %v", iter.Key(), err)
			consumedKeys = append(consumedKeys, append([]byte(nil), iter.Key()...))
			continue
		}
		payload := rec.Payload
		if rec.SpoolPath != "" {
			payload, err = os.ReadFile(rec.SpoolPath)
			if err != nil {
				// Keep the item queued; retried on the next drain.
				s.log.Errorf("spool read failure for %v, item stays queued: %v", username, err)
				continue
			}
			spooled = append(spooled, rec.SpoolPath)
		}
		if rec.Header != nil && rec.SpoolPath != "" {
			rec.Header.Filesize = int64(len(payload))
		}
		items = append(items, PendingDelivery{Header: rec.Header, Payload: payload})
		consumedKeys = append(consumedKeys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Close(); err != nil {
		return nil, NewStorageError(err)
	}

	if len(consumedKeys) > 0 {
		batch := s.db.NewBatch()
		for _, key := range consumedKeys {
			if err := batch.Delete(key, nil); err != nil {
				batch.Close()
				return nil, NewStorageError(err)
			}
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			return nil, NewStorageError(err)
		}
	}
	for _, path := range spooled {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warnf("spool cleanup failure: %v", err)
		}
	}
	return items, nil
}

// Requeue puts undelivered drain leftovers back at the head of the user's
// queue, ahead of anything enqueued since the drain released the lock.
func (s *OfflineStore) Requeue(username string, items []PendingDelivery) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	if len(items) == 0 {
		return nil
	}
	lock := s.locks.get(username)
	lock.Lock()
	defer lock.Unlock()

	// Drain whatever arrived meanwhile, then rebuild: leftovers first.
	prefix := s.userPrefix(username)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return NewStorageError(err)
	}
	var tail []offlineRecord
	var staleKeys [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		rec := offlineRecord{}
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		tail = append(tail, rec)
		staleKeys = append(staleKeys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Close(); err != nil {
		return NewStorageError(err)
	}

	batch := s.db.NewBatch()
	for _, key := range staleKeys {
		if err := batch.Delete(key, nil); err != nil {
			batch.Close()
			return NewStorageError(err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return NewStorageError(err)
	}

	for _, item := range items {
		if err := s.enqueueLocked(username, item.Header, item.Payload); err != nil {
			return err
		}
	}
	for _, rec := range tail {
		raw, err := json.Marshal(&rec)
		if err != nil {
			continue
		}
		if err := s.db.Set(s.nextKey(username), raw, pebble.Sync); err != nil {
			return NewStorageError(err)
		}
	}
	return nil
}

// PendingCount reports how many items wait for username.
func (s *OfflineStore) PendingCount(username string) int {
	if s.db == nil {
		return 0
	}
	prefix := s.userPrefix(username)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0
	}
	defer iter.Close()
	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	return count
}

// keyedMutex hands out one mutex per username so a drain only blocks
// enqueues for the same user.
type keyedMutex struct {
	lock  sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.lock.Lock()
	defer k.lock.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
