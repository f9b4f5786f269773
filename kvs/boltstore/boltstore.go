// Package boltstore is a kvs.Session backed by a local go.etcd.io/bbolt
// file, grounded on the bolt wrapper rclone's cache backend keeps for
// its own persistent directory cache (backend/cache/storage_persistent.go).
//
// It exists primarily so dirreader and opendircache have a concrete,
// in-process KVS to run against in tests; a real deployment would
// point kvs.Session at a networked cluster instead.
package boltstore

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/robertprovine/SilverKing/kvs"
)

const metaBucket = "_meta"

// Store is a kvs.Session wrapping a single bolt.DB file. Each
// namespace maps to one top-level bucket.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a bolt.DB file at path.
func Open(path string, timeout time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bolt store at %q", path)
	}
	return &Store{db: db}, nil
}

// Namespace implements kvs.Session.
func (s *Store) Namespace(name string) (kvs.Namespace, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists([]byte(name))
		return e
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open namespace %q", name)
	}
	return &namespace{db: s.db, name: name}, nil
}

// Close implements kvs.Session.
func (s *Store) Close() error {
	return s.db.Close()
}

type namespace struct {
	db   *bolt.DB
	name string
}

func (n *namespace) Put(ctx context.Context, key string, value []byte, metadata kvs.Metadata) error {
	return n.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(n.name))
		if err := bucket.Put([]byte(key), value); err != nil {
			return err
		}
		metaB, err := bucket.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		return metaB.Put([]byte(key), encodeMetadata(metadata))
	})
}

func (n *namespace) OpenAsyncPerspective(opts kvs.PerspectiveOptions) (kvs.AsyncPerspective, error) {
	return &perspective{ns: n, opts: opts}, nil
}

// perspective issues multi-gets synchronously against the bolt file
// but returns a kvs.Retrieval that's already complete, preserving the
// async interface so dirreader's code paths don't need to special-case
// a local store.
type perspective struct {
	ns   *namespace
	opts kvs.PerspectiveOptions

	mu sync.Mutex
	wg sync.WaitGroup
}

func (p *perspective) Get(ctx context.Context, keys []string) (kvs.Retrieval, error) {
	p.mu.Lock()
	p.wg.Add(1)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.wg.Done()
		p.mu.Unlock()
	}()

	r := &retrieval{
		states: make(map[string]kvs.OperationState, len(keys)),
		causes: make(map[string]kvs.FailureCause, len(keys)),
		values: make(map[string]*kvs.StoredValue, len(keys)),
	}

	err := p.ns.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(p.ns.name))
		if bucket == nil {
			for _, k := range keys {
				r.states[k] = kvs.Failed
				r.causes[k] = kvs.NoSuchValue
			}
			return nil
		}
		metaB := bucket.Bucket([]byte(metaBucket))
		for _, k := range keys {
			val := bucket.Get([]byte(k))
			if val == nil {
				r.states[k] = kvs.Failed
				r.causes[k] = kvs.NoSuchValue
				continue
			}
			sv := &kvs.StoredValue{Value: append([]byte(nil), val...)}
			if p.opts.RetrieveMetadata && metaB != nil {
				if raw := metaB.Get([]byte(k)); raw != nil {
					sv.Metadata = decodeMetadata(raw)
				}
			}
			r.values[k] = sv
			r.states[k] = kvs.Succeeded
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "bolt multi-get failed")
	}
	return r, nil
}

func (p *perspective) WaitForActiveOps(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *perspective) Close() error { return nil }

type retrieval struct {
	states map[string]kvs.OperationState
	causes map[string]kvs.FailureCause
	values map[string]*kvs.StoredValue
}

func (r *retrieval) Wait(ctx context.Context) error { return nil }

func (r *retrieval) State(key string) kvs.OperationState {
	if s, ok := r.states[key]; ok {
		return s
	}
	return kvs.Failed
}

func (r *retrieval) Value(key string) (*kvs.StoredValue, bool) {
	v, ok := r.values[key]
	return v, ok
}

func (r *retrieval) Cause(key string) kvs.FailureCause {
	if c, ok := r.causes[key]; ok {
		return c
	}
	return kvs.Error
}

func (r *retrieval) Close() error { return nil }

func encodeMetadata(m kvs.Metadata) []byte {
	buf := make([]byte, 8+2+len(m.CreatorID))
	binary.BigEndian.PutUint64(buf[0:8], m.Version)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(m.CreatorID)))
	copy(buf[10:], m.CreatorID)
	return buf
}

func decodeMetadata(b []byte) kvs.Metadata {
	if len(b) < 10 {
		return kvs.Metadata{}
	}
	version := binary.BigEndian.Uint64(b[0:8])
	n := binary.BigEndian.Uint16(b[8:10])
	if int(n) > len(b)-10 {
		return kvs.Metadata{Version: version}
	}
	return kvs.Metadata{Version: version, CreatorID: string(b[10 : 10+int(n)])}
}
