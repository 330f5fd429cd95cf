package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/tetherguard/tether/internal/config"
	"github.com/tetherguard/tether/internal/logparse"
)

type ingestStub struct {
	mu       sync.Mutex
	fail     bool
	batches  []uploadBatch
	singles  []uploadSingle
	received chan struct{}
}

func newIngestStub() *ingestStub {
	return &ingestStub{received: make(chan struct{}, 64)}
}

func (s *ingestStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /log_batch", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var b uploadBatch
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.batches = append(s.batches, b)
		s.received <- struct{}{}
	})
	mux.HandleFunc("POST /log", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var e uploadSingle
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.singles = append(s.singles, e)
		s.received <- struct{}{}
	})
	return mux
}

func (s *ingestStub) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upload")
	}
}

func entry(sub, ip string, port uint16) logparse.Entry {
	return logparse.Entry{Subscriber: sub, IP: netip.MustParseAddr(ip), Port: port}
}

func startUploader(t *testing.T, cfg UploaderConfig) (*Uploader, chan struct{}) {
	t.Helper()
	u := NewUploader(cfg, nil)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		u.Run(stop)
		close(done)
	}()
	t.Cleanup(func() {
		select {
		case <-done:
		default:
			close(stop)
			<-done
		}
	})
	return u, stop
}

func TestUploader_BatchFlushDeduplicates(t *testing.T) {
	stub := newIngestStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	u, _ := startUploader(t, UploaderConfig{
		ServerURL:     srv.URL,
		Node:          "node-a",
		Secret:        "s3cret",
		Mode:          config.UploadModeBatch,
		BatchInterval: 20 * time.Millisecond,
	})

	u.Enqueue(entry("111", "1.1.1.1", 443))
	u.Enqueue(entry("111", "1.1.1.1", 443)) // duplicate within the interval
	u.Enqueue(entry("222", "2.2.2.2", 0))

	stub.wait(t)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(stub.batches))
	}
	b := stub.batches[0]
	if b.Node != "node-a" || b.Secret != "s3cret" {
		t.Errorf("batch identity = %+v", b)
	}
	if len(b.Entries) != 2 {
		t.Fatalf("entries = %+v, want deduplicated pair", b.Entries)
	}
	if b.Entries[0].Subscriber != "111" || b.Entries[1].Subscriber != "222" {
		t.Errorf("entries = %+v", b.Entries)
	}
}

func TestUploader_BatchFlushOnSize(t *testing.T) {
	stub := newIngestStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	u, _ := startUploader(t, UploaderConfig{
		ServerURL:     srv.URL,
		Node:          "node-a",
		Mode:          config.UploadModeBatch,
		BatchSize:     2,
		BatchInterval: time.Hour, // only the size trigger may fire
	})

	u.Enqueue(entry("111", "1.1.1.1", 0))
	u.Enqueue(entry("222", "2.2.2.2", 0))

	stub.wait(t)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.batches) != 1 || len(stub.batches[0].Entries) != 2 {
		t.Fatalf("batches = %+v", stub.batches)
	}
}

func TestUploader_ShutdownFlushesQueued(t *testing.T) {
	stub := newIngestStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	u := NewUploader(UploaderConfig{
		ServerURL:     srv.URL,
		Node:          "node-a",
		Mode:          config.UploadModeBatch,
		BatchInterval: time.Hour,
	}, nil)

	// Queued before Run starts; the shutdown drain must still deliver it.
	u.Enqueue(entry("111", "1.1.1.1", 0))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		u.Run(stop)
		close(done)
	}()
	close(stop)
	<-done

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.batches) != 1 || len(stub.batches[0].Entries) != 1 {
		t.Fatalf("batches = %+v", stub.batches)
	}
}

func TestUploader_StreamMode(t *testing.T) {
	stub := newIngestStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	u, _ := startUploader(t, UploaderConfig{
		ServerURL: srv.URL,
		Node:      "node-a",
		Secret:    "s3cret",
		Mode:      config.UploadModeStream,
	})

	u.Enqueue(entry("111", "1.1.1.1", 443))
	stub.wait(t)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.singles) != 1 {
		t.Fatalf("singles = %+v", stub.singles)
	}
	got := stub.singles[0]
	if got.Subscriber != "111" || got.IP != "1.1.1.1" || got.Port != 443 ||
		got.Node != "node-a" || got.Secret != "s3cret" {
		t.Errorf("single = %+v", got)
	}

	delivered, failed, _ := u.Stats()
	if delivered != 1 || failed != 0 {
		t.Errorf("delivered = %d, failed = %d", delivered, failed)
	}
}

func TestUploader_QueuePressureDropsOldest(t *testing.T) {
	u := NewUploader(UploaderConfig{
		ServerURL: "http://127.0.0.1:0",
		Mode:      config.UploadModeBatch,
		QueueSize: 2,
	}, nil)

	u.Enqueue(entry("old", "1.1.1.1", 0))
	u.Enqueue(entry("mid", "2.2.2.2", 0))
	u.Enqueue(entry("new", "3.3.3.3", 0))

	if _, _, dropped := u.Stats(); dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	first := <-u.queue
	if first.Subscriber != "mid" {
		t.Errorf("head = %q, want the oldest evicted", first.Subscriber)
	}
}

func TestUploader_FailedDeliveryCounted(t *testing.T) {
	stub := newIngestStub()
	stub.fail = true
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	u, _ := startUploader(t, UploaderConfig{
		ServerURL:     srv.URL,
		Mode:          config.UploadModeBatch,
		BatchInterval: 20 * time.Millisecond,
	})

	u.Enqueue(entry("111", "1.1.1.1", 0))

	deadline := time.After(2 * time.Second)
	for {
		if _, failed, _ := u.Stats(); failed == 1 {
			return
		}
		select {
		case <-deadline:
			_, failed, _ := u.Stats()
			t.Fatalf("failed = %d, want 1", failed)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
