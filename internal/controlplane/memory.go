// Package controlplane — memory.go
//
// In-process Plane implementation. Used by the simulator and the test
// suites; also the reference for the semantics every other
// implementation must match (merge-patch apply, create-only configs,
// ADDED-then-MODIFIED watch streams).
//
// Watch delivery is non-blocking per subscriber: a subscriber that
// stops draining loses events rather than stalling appliers. The
// Pheromone tolerates this — its window is rebuilt continuously from
// fresh applies.

package controlplane

import (
	"context"
	"sync"
	"time"
)

// subscriber is one active watch.
type subscriber struct {
	sel Selector
	ch  chan Event
}

// MemoryPlane is a thread-safe in-memory Plane.
type MemoryPlane struct {
	mu      sync.Mutex
	coords  map[string]CoordinationRecord
	configs map[string]ConfigRecord
	subs    map[*subscriber]struct{}
	dropped uint64
}

// NewMemoryPlane creates an empty plane.
func NewMemoryPlane() *MemoryPlane {
	return &MemoryPlane{
		coords:  make(map[string]CoordinationRecord),
		configs: make(map[string]ConfigRecord),
		subs:    make(map[*subscriber]struct{}),
	}
}

// ApplyCoordination implements Plane.
func (p *MemoryPlane) ApplyCoordination(ctx context.Context, rec CoordinationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()

	existing, found := p.coords[rec.Name]
	evType := EventModified
	if !found {
		existing = CoordinationRecord{
			Name:        rec.Name,
			Labels:      map[string]string{},
			Annotations: map[string]string{},
		}
		evType = EventAdded
	}
	if existing.Labels == nil {
		existing.Labels = map[string]string{}
	}
	if existing.Annotations == nil {
		existing.Annotations = map[string]string{}
	}
	for k, v := range rec.Labels {
		existing.Labels[k] = v
	}
	for k, v := range rec.Annotations {
		existing.Annotations[k] = v
	}
	if rec.Holder != "" {
		existing.Holder = rec.Holder
	}
	existing.RenewTime = time.Now()
	p.coords[rec.Name] = existing

	// Snapshot for delivery outside per-sub send races.
	snapshot := cloneRecord(existing)
	subs := make([]*subscriber, 0, len(p.subs))
	for s := range p.subs {
		if s.sel.Matches(snapshot.Labels) {
			subs = append(subs, s)
		}
	}
	p.mu.Unlock()

	ev := Event{Type: evType, Record: snapshot}
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
		}
	}
	return nil
}

// CreateConfig implements Plane. Create-only.
func (p *MemoryPlane) CreateConfig(ctx context.Context, rec ConfigRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, found := p.configs[rec.Name]; found {
		return ErrAlreadyExists
	}
	rec.Created = time.Now()
	p.configs[rec.Name] = rec
	return nil
}

// GetConfig implements Plane.
func (p *MemoryPlane) GetConfig(ctx context.Context, name string) (ConfigRecord, error) {
	if err := ctx.Err(); err != nil {
		return ConfigRecord{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, found := p.configs[name]
	if !found {
		return ConfigRecord{}, ErrNotFound
	}
	return rec, nil
}

// Watch implements Plane. Existing matching records replay as ADDED.
func (p *MemoryPlane) Watch(ctx context.Context, sel Selector) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscriber{sel: sel, ch: make(chan Event, 256)}

	p.mu.Lock()
	var backlog []Event
	for _, rec := range p.coords {
		if sel.Matches(rec.Labels) {
			backlog = append(backlog, Event{Type: EventAdded, Record: cloneRecord(rec)})
		}
	}
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	out := make(chan Event, 256)
	go func() {
		defer close(out)
		defer func() {
			p.mu.Lock()
			delete(p.subs, sub)
			p.mu.Unlock()
		}()
		for _, ev := range backlog {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case ev := <-sub.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// DroppedEvents returns the count of watch events lost to slow
// subscribers (test observability).
func (p *MemoryPlane) DroppedEvents() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// cloneRecord deep-copies maps so subscribers never alias plane state.
func cloneRecord(rec CoordinationRecord) CoordinationRecord {
	out := rec
	out.Labels = make(map[string]string, len(rec.Labels))
	for k, v := range rec.Labels {
		out.Labels[k] = v
	}
	out.Annotations = make(map[string]string, len(rec.Annotations))
	for k, v := range rec.Annotations {
		out.Annotations[k] = v
	}
	return out
}
