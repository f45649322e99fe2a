package convsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProfiles struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (f *fakeProfiles) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Profile{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Profile{}, f.err
	}
	return Profile{DisplayName: "User " + userID}, nil
}

func TestProfileCacheResolve(t *testing.T) {
	f := &fakeProfiles{}
	c := NewProfileCache(f, nil)

	if _, ok := c.Resolve("u1"); ok {
		t.Fatal("first Resolve should be pending")
	}
	eventually(t, "profile cached", func() bool {
		_, ok := c.Resolve("u1")
		return ok
	})
	p, _ := c.Resolve("u1")
	if p.DisplayName != "User u1" {
		t.Fatalf("profile = %+v", p)
	}
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}

func TestProfileCacheLoadSharesRequest(t *testing.T) {
	f := &fakeProfiles{gate: make(chan struct{})}
	c := NewProfileCache(f, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Load(context.Background(), "u1")
			errs <- err
		}()
	}
	eventually(t, "first fetch", func() bool { return f.calls.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}

func TestProfileCacheLoadError(t *testing.T) {
	boom := errors.New("backend down")
	c := NewProfileCache(&fakeProfiles{err: boom}, nil)
	if _, err := c.Load(context.Background(), "u1"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := c.Resolve("u1"); ok {
		t.Fatal("failed load must not be cached")
	}
}
