// Package controlplane — bolt.go
//
// bbolt-backed Plane for durable single-node deployments: the record
// set survives process restarts, so elevation artifacts written before
// a crash still block duplicate creations afterwards.
//
// Schema (bbolt bucket layout):
//
//	/coordination
//	    key:   record name
//	    value: JSON-encoded CoordinationRecord
//
//	/configs
//	    key:   record name
//	    value: JSON-encoded ConfigRecord
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent
//     writers). All writes use ACID transactions.
//   - Watch events are fanned out in-process through an embedded
//     MemoryPlane-style subscriber set; durability applies to state,
//     not to the event stream.

package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketCoordination = "coordination"
	bucketConfigs      = "configs"
)

// BoltPlane is a durable Plane backed by a bbolt file.
type BoltPlane struct {
	db *bolt.DB

	// fanout handles watch subscriptions; its record map mirrors the
	// durable state and is rebuilt on open.
	fanout *MemoryPlane
}

// OpenBolt opens (or creates) the plane database at path and replays
// persisted coordination records into the watch fan-out state.
func OpenBolt(path string) (*BoltPlane, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("controlplane: bolt.Open(%q): %w", path, err)
	}

	p := &BoltPlane{db: db, fanout: NewMemoryPlane()}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCoordination, bucketConfigs} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("controlplane: bucket init: %w", err)
	}

	// Rebuild in-memory state so watches replay pre-restart records.
	if err := db.View(func(tx *bolt.Tx) error {
		ctx := context.Background()
		if err := tx.Bucket([]byte(bucketCoordination)).ForEach(func(_, v []byte) error {
			var rec CoordinationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			return p.fanout.ApplyCoordination(ctx, rec)
		}); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketConfigs)).ForEach(func(_, v []byte) error {
			var rec ConfigRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			return ignoreExists(p.fanout.CreateConfig(ctx, rec))
		})
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("controlplane: state replay: %w", err)
	}

	return p, nil
}

// ignoreExists maps the benign replay conflict to nil.
func ignoreExists(err error) error {
	if err == ErrAlreadyExists {
		return nil
	}
	return err
}

// Close closes the underlying database.
func (p *BoltPlane) Close() error {
	return p.db.Close()
}

// ApplyCoordination implements Plane: the fan-out applies the merge
// semantics, then the merged record persists in one transaction.
func (p *BoltPlane) ApplyCoordination(ctx context.Context, rec CoordinationRecord) error {
	if err := p.fanout.ApplyCoordination(ctx, rec); err != nil {
		return err
	}

	p.fanout.mu.Lock()
	merged := cloneRecord(p.fanout.coords[rec.Name])
	p.fanout.mu.Unlock()

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("controlplane: marshal %q: %w", rec.Name, err)
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCoordination)).Put([]byte(rec.Name), data)
	})
}

// CreateConfig implements Plane. The durable bucket is the source of
// truth for existence so conflicts survive restarts.
func (p *BoltPlane) CreateConfig(ctx context.Context, rec ConfigRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.Created = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("controlplane: marshal %q: %w", rec.Name, err)
	}
	err = p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketConfigs))
		if b.Get([]byte(rec.Name)) != nil {
			return ErrAlreadyExists
		}
		return b.Put([]byte(rec.Name), data)
	})
	if err != nil {
		return err
	}
	return ignoreExists(p.fanout.CreateConfig(ctx, rec))
}

// GetConfig implements Plane.
func (p *BoltPlane) GetConfig(ctx context.Context, name string) (ConfigRecord, error) {
	if err := ctx.Err(); err != nil {
		return ConfigRecord{}, err
	}
	var rec ConfigRecord
	found := false
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketConfigs)).Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return ConfigRecord{}, fmt.Errorf("controlplane: get %q: %w", name, err)
	}
	if !found {
		return ConfigRecord{}, ErrNotFound
	}
	return rec, nil
}

// Watch implements Plane via the in-process fan-out.
func (p *BoltPlane) Watch(ctx context.Context, sel Selector) (<-chan Event, error) {
	return p.fanout.Watch(ctx, sel)
}
