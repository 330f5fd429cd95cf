package agent

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tetherguard/tether/internal/config"
	"github.com/tetherguard/tether/internal/logparse"
	"github.com/tetherguard/tether/internal/netutil"
)

// UploaderConfig configures delivery to the controller.
type UploaderConfig struct {
	ServerURL     string
	Node          string
	Secret        string
	Mode          config.UploadMode
	QueueSize     int
	BatchSize     int
	BatchInterval time.Duration
	UploadTimeout time.Duration
}

// Uploader delivers parsed events to the controller's ingest endpoint. The
// queue is bounded and drops the oldest event under pressure: fresh
// observations matter more than stale ones.
type Uploader struct {
	cfg  UploaderConfig
	http *http.Client

	queue     chan logparse.Entry
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewUploader builds an uploader. A nil httpClient gets a pooled default.
func NewUploader(cfg UploaderConfig, httpClient *http.Client) *Uploader {
	if httpClient == nil {
		httpClient = netutil.NewClient(netutil.ClientConfig{})
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 5 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 2 * time.Second
	}
	return &Uploader{
		cfg:   cfg,
		http:  httpClient,
		queue: make(chan logparse.Entry, cfg.QueueSize),
	}
}

// Enqueue admits an event, evicting the oldest queued event when full.
func (u *Uploader) Enqueue(e logparse.Entry) {
	for {
		select {
		case u.queue <- e:
			return
		default:
		}
		select {
		case <-u.queue:
			u.dropped.Add(1)
		default:
		}
	}
}

// Stats returns delivery counters for health output.
func (u *Uploader) Stats() (delivered, failed, dropped uint64) {
	return u.delivered.Load(), u.failed.Load(), u.dropped.Load()
}

// Run drains the queue until stopCh closes. A final flush delivers whatever
// is still queued.
func (u *Uploader) Run(stopCh <-chan struct{}) {
	if u.cfg.Mode == config.UploadModeStream {
		u.runStream(stopCh)
		return
	}
	u.runBatch(stopCh)
}

func (u *Uploader) runStream(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case e := <-u.queue:
			u.sendOne(e)
		}
	}
}

func (u *Uploader) runBatch(stopCh <-chan struct{}) {
	ticker := time.NewTicker(u.cfg.BatchInterval)
	defer ticker.Stop()

	pending := make([]logparse.Entry, 0, u.cfg.BatchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		u.sendBatch(pending)
		pending = pending[:0]
	}

	for {
		select {
		case <-stopCh:
			// Drain what is already queued, then flush.
			for {
				select {
				case e := <-u.queue:
					pending = append(pending, e)
					if len(pending) >= u.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case e := <-u.queue:
			pending = append(pending, e)
			if len(pending) >= u.cfg.BatchSize {
				flush()
			}
		}
	}
}

type uploadEntry struct {
	Subscriber string `json:"subscriber"`
	IP         string `json:"ip"`
	Port       uint16 `json:"port,omitempty"`
}

type uploadBatch struct {
	Node    string        `json:"node"`
	Secret  string        `json:"secret"`
	Entries []uploadEntry `json:"entries"`
}

type uploadSingle struct {
	Subscriber string `json:"subscriber"`
	IP         string `json:"ip"`
	Port       uint16 `json:"port,omitempty"`
	Node       string `json:"node"`
	Secret     string `json:"secret"`
}

func (u *Uploader) sendOne(e logparse.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), u.cfg.UploadTimeout)
	defer cancel()

	body := uploadSingle{
		Subscriber: e.Subscriber,
		IP:         e.IP.String(),
		Port:       e.Port,
		Node:       u.cfg.Node,
		Secret:     u.cfg.Secret,
	}
	if err := netutil.PostJSON(ctx, u.http, u.cfg.ServerURL+"/log", body, nil); err != nil {
		u.failed.Add(1)
		log.Printf("[uploader] send: %v", err)
		return
	}
	u.delivered.Add(1)
}

// sendBatch posts one batch, deduplicating repeated (subscriber, ip, port)
// tuples: within one interval they carry no extra information.
func (u *Uploader) sendBatch(entries []logparse.Entry) {
	seen := make(map[uploadEntry]struct{}, len(entries))
	batch := uploadBatch{Node: u.cfg.Node, Secret: u.cfg.Secret}
	for _, e := range entries {
		ue := uploadEntry{Subscriber: e.Subscriber, IP: e.IP.String(), Port: e.Port}
		if _, dup := seen[ue]; dup {
			continue
		}
		seen[ue] = struct{}{}
		batch.Entries = append(batch.Entries, ue)
	}

	ctx, cancel := context.WithTimeout(context.Background(), u.cfg.UploadTimeout)
	defer cancel()

	if err := netutil.PostJSON(ctx, u.http, u.cfg.ServerURL+"/log_batch", batch, nil); err != nil {
		u.failed.Add(uint64(len(batch.Entries)))
		log.Printf("[uploader] batch of %d: %v", len(batch.Entries), err)
		return
	}
	u.delivered.Add(uint64(len(batch.Entries)))
}
