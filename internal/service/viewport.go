package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oceanatlas/server/internal/grid"
)

// ErrSuperseded is returned to a viewport request that was replaced by a
// newer one for the same view. Callers discard it silently.
var ErrSuperseded = errors.New("superseded by a newer request")

// Debouncer waits for a quiescence window.
type Debouncer struct {
	window time.Duration
}

// NewDebouncer creates a debouncer. A zero window does not wait.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window}
}

// Window returns the quiescence window.
func (d *Debouncer) Window() time.Duration {
	return d.window
}

// Wait blocks until the window elapses or ctx is done.
func (d *Debouncer) Wait(ctx context.Context) error {
	if d.window <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d.window)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Selection is the most recent key requested for a view.
type Selection struct {
	Key       grid.QueryKey `json:"key"`
	Seq       uint64        `json:"seq"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

type view struct {
	selection Selection
	cancel    context.CancelCauseFunc
}

// Viewport serializes map requests per named view. Each request first
// records its key as the view's selection, then cancels the request it
// replaces, waits out the debounce window and loads. Only the newest request
// for a view returns a result; older ones get ErrSuperseded.
type Viewport struct {
	svc      *MapService
	debounce *Debouncer

	mu    sync.Mutex
	views map[string]*view
}

// NewViewport creates a new viewport tracker.
func NewViewport(svc *MapService, debounce *Debouncer) *Viewport {
	if debounce == nil {
		debounce = NewDebouncer(0)
	}
	return &Viewport{
		svc:      svc,
		debounce: debounce,
		views:    make(map[string]*view),
	}
}

// Request loads key for the named view.
func (v *Viewport) Request(ctx context.Context, name string, key grid.QueryKey) (*Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	seq := v.choose(name, key, cancel)
	defer v.release(name, seq)

	if err := v.debounce.Wait(ctx); err != nil {
		return nil, superseded(ctx, err)
	}
	r, err := v.svc.Load(ctx, key)
	if err != nil {
		return nil, superseded(ctx, err)
	}
	if !v.current(name, seq) {
		return nil, ErrSuperseded
	}
	return r, nil
}

// Selection returns the current selection of a view.
func (v *Viewport) Selection(name string) (Selection, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vw, ok := v.views[name]
	if !ok {
		return Selection{}, false
	}
	return vw.selection, true
}

func (v *Viewport) choose(name string, key grid.QueryKey, cancel context.CancelCauseFunc) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	vw, ok := v.views[name]
	if !ok {
		vw = &view{}
		v.views[name] = vw
	}
	if vw.cancel != nil {
		vw.cancel(ErrSuperseded)
	}
	vw.cancel = cancel
	vw.selection = Selection{
		Key:       v.svc.sources.Normalize(key),
		Seq:       vw.selection.Seq + 1,
		UpdatedAt: time.Now(),
	}
	return vw.selection.Seq
}

func (v *Viewport) release(name string, seq uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if vw, ok := v.views[name]; ok && vw.selection.Seq == seq {
		vw.cancel = nil
	}
}

func (v *Viewport) current(name string, seq uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	vw, ok := v.views[name]
	return ok && vw.selection.Seq == seq
}

func superseded(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(context.Cause(ctx), ErrSuperseded) {
		return ErrSuperseded
	}
	return err
}
