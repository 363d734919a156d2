package service

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/oceanatlas/server/internal/grid"
)

// PrefetcherConfig contains configuration for the prefetcher.
type PrefetcherConfig struct {
	Workers   int   // Concurrent prefetch loads (default 1)
	QueueSize int   // Pending keys before new ones are dropped (default 64)
	Years     []int // Selectable years; empty disables prefetching
}

// Prefetcher warms the query cache with the years next to a selection, so
// stepping the year slider hits the cache.
type Prefetcher struct {
	cfg      PrefetcherConfig
	svc      *MapService
	queue    chan grid.QueryKey
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewPrefetcher creates a new prefetcher.
func NewPrefetcher(cfg PrefetcherConfig, svc *MapService) *Prefetcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	years := append([]int(nil), cfg.Years...)
	sort.Ints(years)
	cfg.Years = years

	ctx, cancel := context.WithCancel(context.Background())
	return &Prefetcher{
		cfg:     cfg,
		svc:     svc,
		queue:   make(chan grid.QueryKey, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]struct{}),
	}
}

// Start starts the worker goroutines.
func (p *Prefetcher) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop cancels outstanding loads and waits for the workers to exit.
func (p *Prefetcher) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
	})
}

func (p *Prefetcher) worker() {
	defer p.wg.Done()
	for key := range p.queue {
		p.load(key)
	}
}

func (p *Prefetcher) load(key grid.QueryKey) {
	k := key.String()
	defer func() {
		p.mu.Lock()
		delete(p.pending, k)
		p.mu.Unlock()
	}()

	if p.ctx.Err() != nil {
		return
	}
	if _, err := p.svc.Load(p.ctx, key); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[Prefetcher] %s: %v", k, err)
	}
}

// Submit enqueues key unless it is cached, already queued or the queue is
// full. It never blocks.
func (p *Prefetcher) Submit(key grid.QueryKey) bool {
	key = p.svc.sources.Normalize(key)
	if _, ok := p.svc.Cached(key); ok {
		return false
	}
	k := key.String()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return false
	}
	if _, ok := p.pending[k]; ok {
		return false
	}
	select {
	case p.queue <- key:
		p.pending[k] = struct{}{}
		return true
	default:
		log.Printf("[Prefetcher] queue full, dropping %s", k)
		return false
	}
}

// Neighbors returns the keys for the selectable years adjacent to key.Year.
func (p *Prefetcher) Neighbors(key grid.QueryKey) []grid.QueryKey {
	years := p.cfg.Years
	i := sort.SearchInts(years, key.Year)
	if i >= len(years) || years[i] != key.Year {
		return nil
	}
	var out []grid.QueryKey
	for _, j := range []int{i - 1, i + 1} {
		if j < 0 || j >= len(years) {
			continue
		}
		n := key
		n.Year = years[j]
		out = append(out, n)
	}
	return out
}

// Around submits the neighbors of key.
func (p *Prefetcher) Around(key grid.QueryKey) {
	for _, n := range p.Neighbors(key) {
		p.Submit(n)
	}
}
