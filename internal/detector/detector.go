// Package detector decides whether a subscriber's recent connection pattern
// is device sharing or legitimate hand-over, and emits violations to the
// enforcement coordinator.
package detector

import (
	"context"
	"log"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetherguard/tether/internal/config"
	"github.com/tetherguard/tether/internal/index"
	"github.com/tetherguard/tether/internal/limits"
	"github.com/tetherguard/tether/internal/model"
)

// LimitSource resolves the device-limit policy for a subscriber.
type LimitSource interface {
	Resolve(ctx context.Context, subscriber string) (limits.Entry, error)
}

// Sink receives violations. The enforcement coordinator implements it.
type Sink func(model.Violation)

// Decider holds the pure decision rule. It is separate from the Detector so
// the rule can be tested without an index or workers.
type Decider struct {
	Policy           config.Policy
	IPWindow         time.Duration
	ConcurrentWindow time.Duration
}

// Evaluate applies the sharing decision to a subscriber's window of entries.
// limit must be greater than zero; callers skip no-policy subscribers.
func (d Decider) Evaluate(subscriber string, entries []model.ConnectionEntry, limit uint32, now time.Time) (model.Violation, bool) {
	if len(entries) <= int(limit) {
		return model.Violation{}, false
	}

	ips := make([]netip.Addr, 0, len(entries))
	nodes := make([]string, 0, 2)
	seenNodes := make(map[string]struct{}, 2)
	for _, e := range entries {
		ips = append(ips, e.IP)
		if _, ok := seenNodes[e.Node]; !ok {
			seenNodes[e.Node] = struct{}{}
			nodes = append(nodes, e.Node)
		}
	}

	v := model.Violation{
		Subscriber: subscriber,
		Limit:      limit,
		IPs:        ips,
		Nodes:      nodes,
		DetectedAt: now,
	}

	if d.Policy == config.PolicyStrict {
		v.Reason = model.ReasonOverLimit
		return v, true
	}

	concCutoff := now.Add(-d.ConcurrentWindow)
	concNodes := make(map[string]struct{}, 2)
	for _, e := range entries {
		if e.LastSeen.After(concCutoff) {
			v.ConcurrentIPs = append(v.ConcurrentIPs, e.IP)
			concNodes[e.Node] = struct{}{}
		}
	}

	switch {
	case len(concNodes) >= 2:
		v.Reason = model.ReasonMultiNode
	case len(v.ConcurrentIPs) > int(limit) && subnetCount(v.ConcurrentIPs) > int(limit):
		v.Reason = model.ReasonMultiSubnet
	case len(v.ConcurrentIPs) > int(limit)+1:
		v.Reason = model.ReasonConcurrentExcess
	default:
		return model.Violation{}, false
	}
	return v, true
}

// subnetCount returns the number of distinct /24 subnets covered by ips.
func subnetCount(ips []netip.Addr) int {
	subnets := make(map[netip.Prefix]struct{}, len(ips))
	for _, ip := range ips {
		p, err := ip.Prefix(24)
		if err != nil {
			continue
		}
		subnets[p] = struct{}{}
	}
	return len(subnets)
}

// Detector runs the decision rule against the connection index. It serves
// two trigger modes: event-driven tasks enqueued after ingest, and the
// periodic full scan driven by the scheduler.
type Detector struct {
	index   *index.Index
	limits  LimitSource
	decider Decider
	sink    Sink

	tasks   chan string
	workers int
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// Config configures the detector.
type Config struct {
	Policy           config.Policy
	IPWindow         time.Duration
	ConcurrentWindow time.Duration
	Workers          int
	QueueSize        int
}

// New builds a detector. Violations go to sink.
func New(ix *index.Index, src LimitSource, sink Sink, cfg Config) *Detector {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Detector{
		index:  ix,
		limits: src,
		decider: Decider{
			Policy:           cfg.Policy,
			IPWindow:         cfg.IPWindow,
			ConcurrentWindow: cfg.ConcurrentWindow,
		},
		sink:    sink,
		tasks:   make(chan string, cfg.QueueSize),
		workers: cfg.Workers,
	}
}

// Start launches the evaluation workers. They drain the task queue until
// stopCh closes.
func (d *Detector) Start(stopCh <-chan struct{}) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-stopCh:
					return
				case sub := <-d.tasks:
					if err := d.EvaluateOne(context.Background(), sub, time.Now()); err != nil {
						log.Printf("[detector] evaluate %s: %v", sub, err)
					}
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (d *Detector) Wait() {
	d.wg.Wait()
}

// Enqueue schedules an event-driven evaluation for a subscriber. When the
// queue is full the task is dropped; the periodic scan covers the miss.
func (d *Detector) Enqueue(subscriber string) {
	select {
	case d.tasks <- subscriber:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns the number of evaluation tasks dropped on queue overflow.
func (d *Detector) Dropped() uint64 {
	return d.dropped.Load()
}

// EvaluateOne runs the decision rule for a single subscriber and emits a
// violation to the sink if one is found.
func (d *Detector) EvaluateOne(ctx context.Context, subscriber string, now time.Time) error {
	entry, err := d.limits.Resolve(ctx, subscriber)
	if err != nil {
		return err
	}
	if !entry.HasPolicy() {
		return nil
	}

	entries, err := d.index.IPsOf(subscriber, d.decider.IPWindow, now)
	if err != nil {
		return err
	}

	if v, ok := d.decider.Evaluate(subscriber, entries, entry.Limit, now); ok {
		log.Printf("[detector] violation: subscriber=%s reason=%s ips=%d limit=%d",
			v.Subscriber, v.Reason, len(v.IPs), v.Limit)
		d.sink(v)
	}
	return nil
}

// EvaluateAll runs the decision rule for every subscriber with fresh index
// entries. The scheduler calls this on the scan cadence; the admin facade
// calls it for one-shot scans.
func (d *Detector) EvaluateAll(ctx context.Context, now time.Time) (evaluated int, err error) {
	subs, err := d.index.ActiveSubscribers(d.decider.IPWindow, now)
	if err != nil {
		return 0, err
	}
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return evaluated, err
		}
		if err := d.EvaluateOne(ctx, sub, now); err != nil {
			log.Printf("[detector] scan %s: %v", sub, err)
			continue
		}
		evaluated++
	}
	return evaluated, nil
}
