package storage

import (
	"context"
	"fmt"
	"os"
	"sync"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"
)

// Backend is the transactional surface the walletvault components are built
// on. Provider implements it.
type Backend interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx *bolt.Tx) error) error

	// Update runs fn in a read-write transaction and returns after it
	// has committed or rolled back.
	Update(ctx context.Context, fn func(tx *bolt.Tx) error) error
}

// Provider hands out one shared Store per process. Concurrent callers that
// find the store closed share a single in-flight open. Handles are reference
// counted; the database is closed once Close has been requested and the
// last handle is released.
type Provider struct {
	cfg   Config
	group singleflight.Group

	mu      sync.Mutex
	store   *Store
	refs    int
	closing bool
	opens   int
}

// NewProvider creates a provider for the store described by cfg. Nothing is
// opened until the first Acquire.
func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

// Acquire returns the shared store, opening it if needed. Every successful
// Acquire must be paired with a Release.
func (p *Provider) Acquire(ctx context.Context) (*Store, error) {
	p.mu.Lock()
	if p.store != nil {
		p.refs++
		s := p.store
		p.mu.Unlock()
		return s, nil
	}
	p.closing = false
	p.mu.Unlock()

	// The open outlives callers that stop waiting for it.
	openCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan(p.cfg.Path, func() (interface{}, error) {
		p.mu.Lock()
		if p.store != nil {
			s := p.store
			p.mu.Unlock()
			return s, nil
		}
		p.mu.Unlock()

		s, err := Open(openCtx, p.cfg)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.store = s
		p.opens++
		p.mu.Unlock()
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := res.Val.(*Store)

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.store != s {
			return nil, ErrStoreClosed
		}
		p.refs++
		return s, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a handle obtained from Acquire.
func (p *Provider) Release(s *Store) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s == nil || s != p.store {
		return
	}
	p.refs--
	if p.refs <= 0 && p.closing {
		p.closeLocked()
	}
}

// Close closes the store now if no handle is outstanding, or when the last
// outstanding handle is released.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store == nil {
		return nil
	}
	if p.refs > 0 {
		p.closing = true
		return nil
	}
	return p.closeLocked()
}

func (p *Provider) closeLocked() error {
	s := p.store
	p.store = nil
	p.refs = 0
	p.closing = false
	if s == nil {
		return nil
	}
	log.Debugf("Closing store %v", s.Path())
	return s.Close()
}

// Compact rewrites the store file to reclaim unused space. It fails with
// ErrStoreInUse while any other handle is outstanding. The store is closed
// afterwards and the next Acquire opens the compacted file.
func (p *Provider) Compact(ctx context.Context) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store != s {
		return ErrStoreClosed
	}
	if p.refs > 1 {
		p.refs--
		return fmt.Errorf("%w: %d other handle(s) open", ErrStoreInUse, p.refs)
	}

	path := s.Path()
	tmp := path + ".compact"
	if err := s.compactInto(tmp); err != nil {
		p.refs--
		return err
	}
	if err := p.closeLocked(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close store before compaction: %w", err)
	}

	log.Infof("Replacing %v with its compacted copy", path)
	return replaceFile(tmp, path)
}

// Opens returns how many times the underlying file has been opened.
func (p *Provider) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

// View implements Backend.
func (p *Provider) View(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(s)
	return s.View(fn)
}

// Update implements Backend.
func (p *Provider) Update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(s)
	return s.Update(fn)
}

// With runs fn with a store handle held for its duration.
func (p *Provider) With(ctx context.Context, fn func(s *Store) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(s)
	return fn(s)
}

var _ Backend = (*Provider)(nil)
