package detector

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/tetherguard/tether/internal/config"
	"github.com/tetherguard/tether/internal/index"
	"github.com/tetherguard/tether/internal/limits"
	"github.com/tetherguard/tether/internal/model"
)

func entry(ip, node string, lastSeen time.Time) model.ConnectionEntry {
	return model.ConnectionEntry{
		IP:       netip.MustParseAddr(ip),
		Node:     node,
		LastSeen: lastSeen,
	}
}

func TestDecider_Evaluate(t *testing.T) {
	now := time.Now()
	fresh := now.Add(-5 * time.Second)
	stale := now.Add(-45 * time.Second)

	tests := []struct {
		name       string
		policy     config.Policy
		limit      uint32
		entries    []model.ConnectionEntry
		wantHit    bool
		wantReason model.ViolationReason
	}{
		{
			name:    "at limit no violation",
			policy:  config.PolicyStrict,
			limit:   2,
			entries: []model.ConnectionEntry{entry("1.1.1.1", "nodeA", fresh), entry("1.1.1.2", "nodeA", fresh)},
		},
		{
			name:       "strict one over limit",
			policy:     config.PolicyStrict,
			limit:      2,
			entries:    []model.ConnectionEntry{entry("1.1.1.1", "nodeA", fresh), entry("1.1.1.2", "nodeA", fresh), entry("1.1.1.3", "nodeA", fresh)},
			wantHit:    true,
			wantReason: model.ReasonOverLimit,
		},
		{
			name:    "smart roaming same subnet single node",
			policy:  config.PolicySmart,
			limit:   2,
			entries: []model.ConnectionEntry{entry("1.1.1.1", "nodeA", fresh), entry("1.1.1.2", "nodeA", fresh), entry("1.1.1.3", "nodeA", fresh)},
		},
		{
			name:       "smart two concurrent nodes",
			policy:     config.PolicySmart,
			limit:      1,
			entries:    []model.ConnectionEntry{entry("10.0.0.5", "nodeA", fresh), entry("203.0.113.5", "nodeB", fresh)},
			wantHit:    true,
			wantReason: model.ReasonMultiNode,
		},
		{
			name:   "smart second node stale",
			policy: config.PolicySmart,
			limit:  1,
			entries: []model.ConnectionEntry{
				entry("10.0.0.5", "nodeA", stale),
				entry("203.0.113.5", "nodeB", fresh),
			},
			// Only one concurrent IP: hand-over between nodes, not sharing.
		},
		{
			name:   "smart subnet dispersion",
			policy: config.PolicySmart,
			limit:  1,
			entries: []model.ConnectionEntry{
				entry("10.0.0.5", "nodeA", fresh),
				entry("192.0.2.7", "nodeA", fresh),
			},
			wantHit:    true,
			wantReason: model.ReasonMultiSubnet,
		},
		{
			name:   "smart concurrent excess same subnet",
			policy: config.PolicySmart,
			limit:  1,
			entries: []model.ConnectionEntry{
				entry("10.0.0.5", "nodeA", fresh),
				entry("10.0.0.6", "nodeA", fresh),
				entry("10.0.0.7", "nodeA", fresh),
			},
			wantHit:    true,
			wantReason: model.ReasonConcurrentExcess,
		},
		{
			name:   "smart slack of one absorbs single extra",
			policy: config.PolicySmart,
			limit:  1,
			entries: []model.ConnectionEntry{
				entry("10.0.0.5", "nodeA", fresh),
				entry("10.0.0.6", "nodeA", fresh),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decider{
				Policy:           tt.policy,
				IPWindow:         60 * time.Second,
				ConcurrentWindow: 30 * time.Second,
			}
			v, hit := d.Evaluate("sub", tt.entries, tt.limit, now)
			if hit != tt.wantHit {
				t.Fatalf("hit = %v, want %v (violation %+v)", hit, tt.wantHit, v)
			}
			if hit && v.Reason != tt.wantReason {
				t.Errorf("reason = %s, want %s", v.Reason, tt.wantReason)
			}
		})
	}
}

type staticLimits struct {
	entries map[string]limits.Entry
}

func (s staticLimits) Resolve(ctx context.Context, subscriber string) (limits.Entry, error) {
	return s.entries[subscriber], nil
}

func newTestDetector(t *testing.T, policy config.Policy, lim map[string]limits.Entry) (*Detector, *index.Index, chan model.Violation) {
	t.Helper()
	ix, err := index.Open(":memory:")
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })

	got := make(chan model.Violation, 16)
	d := New(ix, staticLimits{entries: lim}, func(v model.Violation) { got <- v }, Config{
		Policy:           policy,
		IPWindow:         60 * time.Second,
		ConcurrentWindow: 30 * time.Second,
	})
	return d, ix, got
}

func ingest(t *testing.T, ix *index.Index, sub, ip, node string, at time.Time) {
	t.Helper()
	err := ix.Upsert(model.ConnectionEvent{
		Subscriber: sub,
		IP:         netip.MustParseAddr(ip),
		Node:       node,
		ObservedAt: at,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestEvaluateOne_RoamingProducesNoViolation(t *testing.T) {
	d, ix, got := newTestDetector(t, config.PolicySmart, map[string]limits.Entry{
		"alice": {Limit: 2, UUID: "u-alice"},
	})

	base := time.Now()
	ingest(t, ix, "alice", "1.1.1.1", "nodeA", base)
	ingest(t, ix, "alice", "1.1.1.2", "nodeA", base.Add(3*time.Second))
	ingest(t, ix, "alice", "1.1.1.3", "nodeA", base.Add(6*time.Second))

	if err := d.EvaluateOne(context.Background(), "alice", base.Add(6*time.Second)); err != nil {
		t.Fatalf("EvaluateOne: %v", err)
	}
	select {
	case v := <-got:
		t.Fatalf("unexpected violation: %+v", v)
	default:
	}
}

func TestEvaluateOne_TwoNodesIsViolation(t *testing.T) {
	d, ix, got := newTestDetector(t, config.PolicySmart, map[string]limits.Entry{
		"bob": {Limit: 1, UUID: "u-bob"},
	})

	base := time.Now()
	ingest(t, ix, "bob", "10.0.0.5", "nodeA", base)
	ingest(t, ix, "bob", "203.0.113.5", "nodeB", base.Add(time.Second))

	if err := d.EvaluateOne(context.Background(), "bob", base.Add(time.Second)); err != nil {
		t.Fatalf("EvaluateOne: %v", err)
	}
	select {
	case v := <-got:
		if v.Reason != model.ReasonMultiNode || v.Subscriber != "bob" {
			t.Errorf("violation = %+v", v)
		}
		if len(v.IPs) != 2 {
			t.Errorf("ips = %v", v.IPs)
		}
	default:
		t.Fatal("expected a violation")
	}
}

func TestEvaluateOne_NoPolicySkips(t *testing.T) {
	d, ix, got := newTestDetector(t, config.PolicyStrict, map[string]limits.Entry{
		"free": {Limit: 0},
	})

	base := time.Now()
	for _, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4"} {
		ingest(t, ix, "free", ip, "nodeA", base)
	}

	if err := d.EvaluateOne(context.Background(), "free", base); err != nil {
		t.Fatalf("EvaluateOne: %v", err)
	}
	select {
	case v := <-got:
		t.Fatalf("unexpected violation: %+v", v)
	default:
	}
}

func TestEvaluateAll_CoversActiveSubscribers(t *testing.T) {
	d, ix, got := newTestDetector(t, config.PolicyStrict, map[string]limits.Entry{
		"bob":   {Limit: 1, UUID: "u-bob"},
		"alice": {Limit: 5, UUID: "u-alice"},
	})

	base := time.Now()
	ingest(t, ix, "bob", "10.0.0.5", "nodeA", base)
	ingest(t, ix, "bob", "10.0.0.6", "nodeA", base)
	ingest(t, ix, "alice", "1.1.1.1", "nodeA", base)

	n, err := d.EvaluateAll(context.Background(), base.Add(time.Second))
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if n != 2 {
		t.Errorf("evaluated = %d, want 2", n)
	}
	select {
	case v := <-got:
		if v.Subscriber != "bob" {
			t.Errorf("violation for %s, want bob", v.Subscriber)
		}
	default:
		t.Fatal("expected a violation for bob")
	}
}

func TestEnqueue_DropsOnFullQueue(t *testing.T) {
	ix, err := index.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ix.Close() })

	d := New(ix, staticLimits{}, func(model.Violation) {}, Config{QueueSize: 1})
	d.Enqueue("a")
	d.Enqueue("b")
	if d.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", d.Dropped())
	}
}
