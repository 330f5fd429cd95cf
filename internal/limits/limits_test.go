package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tetherguard/tether/internal/subsapi"
)

type fakeAPI struct {
	calls int
	user  subsapi.User
	err   error
}

func (f *fakeAPI) GetUser(ctx context.Context, subscriber string) (subsapi.User, error) {
	f.calls++
	return f.user, f.err
}

func limit(n uint32) *uint32 { return &n }

func TestResolve_CachesSuccessfulLookup(t *testing.T) {
	api := &fakeAPI{user: subsapi.User{UUID: "u-1", DeviceLimit: limit(3), Status: "ACTIVE"}}
	r := NewResolver(api, 100, time.Minute)

	for i := 0; i < 3; i++ {
		e, err := r.Resolve(context.Background(), "alice")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if e.Limit != 3 || e.UUID != "u-1" || !e.HasPolicy() {
			t.Errorf("entry = %+v", e)
		}
	}
	if api.calls != 1 {
		t.Errorf("api calls = %d, want 1 (cached)", api.calls)
	}
}

func TestResolve_UnknownSubscriberIsNoPolicy(t *testing.T) {
	api := &fakeAPI{err: subsapi.ErrNotFound}
	r := NewResolver(api, 100, time.Minute)

	e, err := r.Resolve(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.HasPolicy() {
		t.Errorf("entry = %+v, want no policy", e)
	}

	_, _ = r.Resolve(context.Background(), "ghost")
	if api.calls != 1 {
		t.Errorf("api calls = %d, want 1 (not-found cached)", api.calls)
	}
}

func TestResolve_FailureNotCached(t *testing.T) {
	api := &fakeAPI{err: errors.New("panel down")}
	r := NewResolver(api, 100, time.Minute)

	if _, err := r.Resolve(context.Background(), "alice"); err == nil {
		t.Fatal("expected error")
	}

	api.err = nil
	api.user = subsapi.User{UUID: "u-1", DeviceLimit: limit(2)}
	e, err := r.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Resolve after recovery: %v", err)
	}
	if e.Limit != 2 {
		t.Errorf("entry = %+v", e)
	}
	if api.calls != 2 {
		t.Errorf("api calls = %d, want 2", api.calls)
	}
}

func TestInvalidate(t *testing.T) {
	api := &fakeAPI{user: subsapi.User{UUID: "u-1", DeviceLimit: limit(3)}}
	r := NewResolver(api, 100, time.Minute)

	_, _ = r.Resolve(context.Background(), "alice")
	r.Invalidate("alice")
	_, _ = r.Resolve(context.Background(), "alice")

	if api.calls != 2 {
		t.Errorf("api calls = %d, want 2 after invalidate", api.calls)
	}
}
