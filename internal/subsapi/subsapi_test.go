package subsapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return New(Config{BaseURL: srv.URL, Token: "tok"}), srv
}

func TestGetUser_WrappedResponse(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/by-id/alice" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"response":{"uuid":"u-1","hwidDeviceLimit":3,"status":"ACTIVE"}}`))
	}))
	defer srv.Close()

	u, err := c.GetUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.UUID != "u-1" || u.Status != "ACTIVE" {
		t.Errorf("user = %+v", u)
	}
	if !u.HasLimit() || *u.DeviceLimit != 3 {
		t.Errorf("DeviceLimit = %v", u.DeviceLimit)
	}
}

func TestGetUser_RootResponse(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"uuid":"u-2","hwidDeviceLimit":null,"status":"ACTIVE"}`))
	}))
	defer srv.Close()

	u, err := c.GetUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.UUID != "u-2" {
		t.Errorf("uuid = %q", u.UUID)
	}
	if u.HasLimit() {
		t.Error("null limit should mean no limit")
	}
}

func TestGetUser_ZeroLimitMeansUnlimited(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"uuid":"u-3","hwidDeviceLimit":0,"status":"ACTIVE"}`))
	}))
	defer srv.Close()

	u, err := c.GetUser(context.Background(), "carol")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.HasLimit() {
		t.Error("zero limit should mean no limit")
	}
}

func TestGetUser_NotFound(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := c.GetUser(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDisableEnable_PostActions(t *testing.T) {
	var paths []string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := c.Disable(context.Background(), "u-1"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := c.Enable(context.Background(), "u-1"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	want := []string{"/api/users/u-1/actions/disable", "/api/users/u-1/actions/enable"}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("paths = %v, want %v", paths, want)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	for i := 0; i < 5; i++ {
		if _, err := c.GetUser(context.Background(), "alice"); err == nil {
			t.Fatal("expected error")
		}
	}

	_, err := c.GetUser(context.Background(), "alice")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want open breaker", err)
	}
}
