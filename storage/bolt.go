package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/lanemc/real-time-collaboration-sdk/ot"
)

var (
	bucketDocuments  = []byte("documents")
	bucketOperations = []byte("operations")
)

// Bolt is an embedded file-backed Adapter on bbolt. Documents live in one
// bucket keyed by id; operations live in per-document nested buckets keyed
// by big-endian applied version, so a cursor range scan returns them in
// order.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDocuments); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketOperations)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

// opKey orders operations by applied version, then by bucket sequence so
// multiple parts sharing one version keep their insertion order.
func opKey(version int, seq uint64) []byte {
	var k [16]byte
	binary.BigEndian.PutUint64(k[:8], uint64(version))
	binary.BigEndian.PutUint64(k[8:], seq)
	return k[:]
}

func (b *Bolt) SaveDocument(_ context.Context, state *State) error {
	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", state.ID, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(state.ID), buf)
	})
}

func (b *Bolt) LoadDocument(_ context.Context, id string) (*State, error) {
	var state *State
	err := b.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketDocuments).Get([]byte(id))
		if buf == nil {
			return ErrNotFound
		}
		state = &State{}
		return json.Unmarshal(buf, state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (b *Bolt) SaveOperation(_ context.Context, id string, op *ot.Operation, version int) error {
	buf, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		docOps, err := tx.Bucket(bucketOperations).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		seq, err := docOps.NextSequence()
		if err != nil {
			return err
		}
		return docOps.Put(opKey(version, seq), buf)
	})
}

func (b *Bolt) LoadOperations(_ context.Context, id string, sinceVersion int) ([]*ot.Operation, error) {
	var ops []*ot.Operation
	err := b.db.View(func(tx *bolt.Tx) error {
		docOps := tx.Bucket(bucketOperations).Bucket([]byte(id))
		if docOps == nil {
			if tx.Bucket(bucketDocuments).Get([]byte(id)) == nil {
				return ErrNotFound
			}
			return nil
		}
		c := docOps.Cursor()
		for k, v := c.Seek(opKey(sinceVersion+1, 0)); k != nil; k, v = c.Next() {
			op := &ot.Operation{}
			if err := json.Unmarshal(v, op); err != nil {
				return fmt.Errorf("decode operation at version %d: %w", binary.BigEndian.Uint64(k[:8]), err)
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func (b *Bolt) DeleteDocument(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDocuments).Delete([]byte(id)); err != nil {
			return err
		}
		err := tx.Bucket(bucketOperations).DeleteBucket([]byte(id))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func (b *Bolt) ListDocuments(_ context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (b *Bolt) Close() error { return b.db.Close() }
