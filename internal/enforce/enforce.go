// Package enforce turns violations into side effects: disable the
// subscription upstream, drop the offending addresses on every node, and
// re-enable when the penalty expires. Actions for one subscriber are
// serialized; a cool-down absorbs repeated detections.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/tetherguard/tether/internal/blockstore"
	"github.com/tetherguard/tether/internal/events"
	"github.com/tetherguard/tether/internal/limits"
	"github.com/tetherguard/tether/internal/model"
	"github.com/tetherguard/tether/internal/notify"
	"github.com/tetherguard/tether/internal/subsapi"
)

// PanelAPI is the slice of the subscription panel the coordinator needs.
type PanelAPI interface {
	Disable(ctx context.Context, uuid string) error
	Enable(ctx context.Context, uuid string) error
}

// LimitSource resolves a subscriber's panel identity.
type LimitSource interface {
	Resolve(ctx context.Context, subscriber string) (limits.Entry, error)
}

// NodeBlocker issues drop-rule calls to one node agent.
type NodeBlocker interface {
	Block(ctx context.Context, node model.NodeDescriptor, ip netip.Addr, port uint16, ttl time.Duration) error
	Unblock(ctx context.Context, node model.NodeDescriptor, ip netip.Addr, port uint16) error
}

// NodeSet enumerates the current node fleet.
type NodeSet interface {
	List() []model.NodeDescriptor
}

// Config holds the coordinator's policy knobs.
type Config struct {
	DropDuration    time.Duration
	DisableDuration time.Duration
	DropCooldown    time.Duration
	DropAllIPs      bool
	Lanes           int
	LaneQueueSize   int
}

// Coordinator owns the active-disable map and the per-subscriber cool-down.
// Violations are routed to a lane by subscriber hash, so two detections of
// the same subscriber never race.
type Coordinator struct {
	cfg      Config
	panel    PanelAPI
	limits   LimitSource
	store    *blockstore.Store
	nodes    NodeSet
	agent    NodeBlocker
	notifier notify.Notifier
	ring     *events.Ring

	cooldown *xsync.Map[string, time.Time]
	lanes    []chan model.Violation
	dropped  atomic.Uint64
	wg       sync.WaitGroup
}

// New builds a coordinator. ring may be nil when no event log is wanted.
func New(panel PanelAPI, src LimitSource, store *blockstore.Store, nodes NodeSet, agent NodeBlocker, notifier notify.Notifier, ring *events.Ring, cfg Config) *Coordinator {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 16
	}
	if cfg.LaneQueueSize <= 0 {
		cfg.LaneQueueSize = 64
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	c := &Coordinator{
		cfg:      cfg,
		panel:    panel,
		limits:   src,
		store:    store,
		nodes:    nodes,
		agent:    agent,
		notifier: notifier,
		ring:     ring,
		cooldown: xsync.NewMap[string, time.Time](),
		lanes:    make([]chan model.Violation, cfg.Lanes),
	}
	for i := range c.lanes {
		c.lanes[i] = make(chan model.Violation, cfg.LaneQueueSize)
	}
	return c
}

// Start launches one goroutine per lane. They run until stopCh closes.
func (c *Coordinator) Start(stopCh <-chan struct{}) {
	for _, lane := range c.lanes {
		c.wg.Add(1)
		go func(lane <-chan model.Violation) {
			defer c.wg.Done()
			for {
				select {
				case <-stopCh:
					return
				case v := <-lane:
					if err := c.Enforce(context.Background(), v, time.Now(), false); err != nil {
						log.Printf("[enforce] %s: %v", v.Subscriber, err)
					}
				}
			}
		}(lane)
	}
}

// Wait blocks until all lanes have exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Submit routes a violation to its subscriber's lane. It never blocks; a
// full lane drops the event, which the cool-down makes harmless.
func (c *Coordinator) Submit(v model.Violation) {
	lane := c.lanes[xxh3.HashString(v.Subscriber)%uint64(len(c.lanes))]
	select {
	case lane <- v:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns the number of violations dropped on lane overflow.
func (c *Coordinator) Dropped() uint64 {
	return c.dropped.Load()
}

// Enforce runs the enforcement procedure for one violation. force bypasses
// the cool-down and the active-disable check (manual operator action).
func (c *Coordinator) Enforce(ctx context.Context, v model.Violation, now time.Time, force bool) error {
	if !force {
		if last, ok := c.cooldown.Load(v.Subscriber); ok && now.Sub(last) < c.cfg.DropCooldown {
			return nil
		}
		if e, ok := c.store.Get(v.Subscriber); ok && now.Before(e.ExpiresAt) {
			return nil
		}
	}

	entry, err := c.limits.Resolve(ctx, v.Subscriber)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	if entry.UUID == "" {
		return fmt.Errorf("subscriber %s has no panel identity", v.Subscriber)
	}

	if err := c.panel.Disable(ctx, entry.UUID); err != nil {
		// Cool down anyway so a dead panel does not cause a retry storm.
		c.cooldown.Store(v.Subscriber, now)
		return fmt.Errorf("disable: %w", err)
	}

	toDrop := c.selectIPs(v)
	ipStrs := make([]string, len(toDrop))
	for i, ip := range toDrop {
		ipStrs[i] = ip.String()
	}

	blocked := model.BlockedSubscriber{
		Subscriber:     v.Subscriber,
		UUID:           entry.UUID,
		ExpiresAt:      now.Add(c.cfg.DisableDuration),
		OriginalStatus: entry.Status,
		IPs:            ipStrs,
		BlockedAt:      now,
	}
	if err := c.store.Put(blocked); err != nil {
		log.Printf("[enforce] persist %s: %v", v.Subscriber, err)
	}

	okNodes := c.fanOutBlocks(ctx, toDrop)

	c.record(events.Event{
		At:         now,
		Kind:       events.KindEnforcement,
		Subscriber: v.Subscriber,
		Detail:     fmt.Sprintf("reason=%s ips=%d nodes_ok=%d", v.Reason, len(toDrop), okNodes),
	})
	log.Printf("[enforce] disabled %s (reason=%s, dropped %d ips on %d nodes)",
		v.Subscriber, v.Reason, len(toDrop), okNodes)

	msg := fmt.Sprintf("Blocked %s: %s, %d IPs over limit %d, until %s",
		v.Subscriber, v.Reason, len(v.IPs), v.Limit, blocked.ExpiresAt.Format(time.RFC3339))
	if err := c.notifier.Notify(ctx, msg); err != nil {
		log.Printf("[enforce] notify: %v", err)
	}

	c.cooldown.Store(v.Subscriber, now)
	return nil
}

// selectIPs picks the addresses to drop: all of them, or only the excess
// beyond the limit. Violation IPs are ordered oldest first, so the excess
// slice keeps the earliest-seen addresses connected.
func (c *Coordinator) selectIPs(v model.Violation) []netip.Addr {
	if c.cfg.DropAllIPs || int(v.Limit) >= len(v.IPs) {
		return v.IPs
	}
	return v.IPs[v.Limit:]
}

// fanOutBlocks sends drop rules for every ip to every node concurrently.
// Returns the number of nodes where all blocks landed. Failures are logged
// and tolerated; the agent TTL keeps partial state bounded.
func (c *Coordinator) fanOutBlocks(ctx context.Context, ips []netip.Addr) int {
	nodes := c.nodes.List()
	if len(nodes) == 0 || len(ips) == 0 {
		return 0
	}

	var okCount atomic.Int64
	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node model.NodeDescriptor) {
			defer wg.Done()
			ok := true
			for _, ip := range ips {
				if err := c.agent.Block(ctx, node, ip, 0, c.cfg.DropDuration); err != nil {
					log.Printf("[enforce] block %s on %s: %v", ip, node.Name, err)
					ok = false
				}
			}
			if ok {
				okCount.Add(1)
			}
		}(node)
	}
	wg.Wait()
	return int(okCount.Load())
}

// ReEnableDue re-enables every subscriber whose disable period has passed.
// The scheduler calls this on its tick; it is also how a restarted
// controller resumes persisted timers.
func (c *Coordinator) ReEnableDue(ctx context.Context, now time.Time) {
	for _, e := range c.store.Expired(now) {
		if err := c.reEnable(ctx, e, events.KindReEnable, now); err != nil {
			log.Printf("[enforce] re-enable %s: %v", e.Subscriber, err)
		}
	}
}

// PruneCooldowns drops cool-down entries whose window has passed. The
// scheduler calls this on its prune tick; without it the map would track
// every subscriber ever enforced instead of the active population.
func (c *Coordinator) PruneCooldowns(now time.Time) int {
	pruned := 0
	c.cooldown.Range(func(sub string, last time.Time) bool {
		if now.Sub(last) < c.cfg.DropCooldown {
			return true
		}
		c.cooldown.Compute(sub, func(cur time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
			if loaded && now.Sub(cur) >= c.cfg.DropCooldown {
				pruned++
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		return true
	})
	return pruned
}

// Unban lifts a disable before expiry: re-enable upstream and remove the
// recorded drop rules from every node.
func (c *Coordinator) Unban(ctx context.Context, subscriber string, now time.Time) error {
	e, ok := c.store.Get(subscriber)
	if !ok {
		return fmt.Errorf("enforce: %s is not blocked", subscriber)
	}
	if err := c.reEnable(ctx, e, events.KindManualUnban, now); err != nil {
		return err
	}

	for _, node := range c.nodes.List() {
		for _, ipStr := range e.IPs {
			ip, err := netip.ParseAddr(ipStr)
			if err != nil {
				continue
			}
			if err := c.agent.Unblock(ctx, node, ip, 0); err != nil {
				log.Printf("[enforce] unblock %s on %s: %v", ip, node.Name, err)
			}
		}
	}
	return nil
}

func (c *Coordinator) reEnable(ctx context.Context, e model.BlockedSubscriber, kind events.Kind, now time.Time) error {
	if err := c.panel.Enable(ctx, e.UUID); err != nil {
		if !errors.Is(err, subsapi.ErrNotFound) {
			return fmt.Errorf("enable %s: %w", e.Subscriber, err)
		}
		// Subscriber deleted upstream; nothing left to re-enable, and
		// retrying every tick would never converge.
		log.Printf("[enforce] %s unknown upstream, clearing local state", e.Subscriber)
		if err := c.store.Delete(e.Subscriber); err != nil {
			return fmt.Errorf("remove %s from store: %w", e.Subscriber, err)
		}
		c.record(events.Event{At: now, Kind: kind, Subscriber: e.Subscriber, Detail: "subscriber unknown upstream"})
		return nil
	}
	if err := c.store.Delete(e.Subscriber); err != nil {
		return fmt.Errorf("remove %s from store: %w", e.Subscriber, err)
	}
	c.record(events.Event{At: now, Kind: kind, Subscriber: e.Subscriber})
	log.Printf("[enforce] re-enabled %s", e.Subscriber)
	return nil
}

// Blocked returns the active disable entries for the admin facade.
func (c *Coordinator) Blocked() []model.BlockedSubscriber {
	return c.store.List()
}

func (c *Coordinator) record(e events.Event) {
	if c.ring != nil {
		c.ring.Append(e)
	}
}
