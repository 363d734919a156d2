package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oceanatlas/server/internal/grid"
)

func withYear(year int) grid.QueryKey {
	k := testKey
	k.Year = year
	return k
}

func TestViewportSupersedesInFlightRequest(t *testing.T) {
	f := &fakeFetcher{
		started:   make(chan grid.QueryKey, 16),
		release:   make(chan struct{}),
		blockYear: 2020,
	}
	defer close(f.release)
	vp := NewViewport(newTestService(t, f), nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := vp.Request(context.Background(), "globe", withYear(2020))
		errCh <- err
	}()
	<-f.started

	r, err := vp.Request(context.Background(), "globe", withYear(2030))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if r.Key.Year != 2030 {
		t.Fatalf("got result for %d", r.Key.Year)
	}
	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}

	sel, ok := vp.Selection("globe")
	if !ok || sel.Key.Year != 2030 || sel.Seq != 2 {
		t.Fatalf("unexpected selection %+v", sel)
	}
	if sel.Key.Source != "diversity" {
		t.Fatalf("selection source not normalized: %q", sel.Key.Source)
	}
}

func TestViewportViewsAreIndependent(t *testing.T) {
	f := &fakeFetcher{
		started:   make(chan grid.QueryKey, 16),
		release:   make(chan struct{}),
		blockYear: 2020,
	}
	vp := NewViewport(newTestService(t, f), nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := vp.Request(context.Background(), "globe", withYear(2020))
		errCh <- err
	}()
	<-f.started

	if _, err := vp.Request(context.Background(), "map", withYear(2030)); err != nil {
		t.Fatalf("Request: %v", err)
	}
	close(f.release)
	if err := <-errCh; err != nil {
		t.Fatalf("globe request should complete, got %v", err)
	}
}

func TestViewportDebounce(t *testing.T) {
	f := &fakeFetcher{}
	vp := NewViewport(newTestService(t, f), NewDebouncer(100*time.Millisecond))

	errs := make(chan error, 2)
	for _, year := range []int{2020, 2021} {
		key := withYear(year)
		go func() {
			_, err := vp.Request(context.Background(), "map", key)
			errs <- err
		}()
		time.Sleep(10 * time.Millisecond)
	}

	r, err := vp.Request(context.Background(), "map", withYear(2022))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if r.Key.Year != 2022 {
		t.Fatalf("got result for %d", r.Key.Year)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrSuperseded) {
			t.Fatalf("expected ErrSuperseded, got %v", err)
		}
	}
	if years := f.years(); len(years) != 1 || years[0] != 2022 {
		t.Fatalf("expected only the settled year to be fetched, got %v", years)
	}
}

func TestViewportSelectionUpdatesBeforeLoad(t *testing.T) {
	f := &fakeFetcher{}
	vp := NewViewport(newTestService(t, f), NewDebouncer(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := vp.Request(ctx, "map", withYear(2040))
		errCh <- err
	}()

	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		if sel, ok := vp.Selection("map"); ok && sel.Key.Year == 2040 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("selection was not updated ahead of the debounce window")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.count() != 0 {
		t.Fatal("cancelled request must not fetch")
	}
}

func TestDebouncerWait(t *testing.T) {
	if err := NewDebouncer(0).Wait(context.Background()); err != nil {
		t.Fatalf("zero window: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewDebouncer(time.Hour).Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	start := time.Now()
	if err := NewDebouncer(20 * time.Millisecond).Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("returned before the window elapsed")
	}
}
