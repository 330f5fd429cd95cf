// Package sched drives the controller's periodic work: the belt-and-suspenders
// scan, index pruning, the re-enable sweep, node health probes, and the
// daily index compaction.
package sched

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tetherguard/tether/internal/events"
	"github.com/tetherguard/tether/internal/index"
	"github.com/tetherguard/tether/internal/model"
	"github.com/tetherguard/tether/internal/nodectl"
	"github.com/tetherguard/tether/internal/scanloop"
)

// Evaluator runs the periodic full detection pass.
type Evaluator interface {
	EvaluateAll(ctx context.Context, now time.Time) (int, error)
}

// ReEnabler runs the re-enable sweep over expired disables and owns the
// per-subscriber cool-down map the prune tick trims.
type ReEnabler interface {
	ReEnableDue(ctx context.Context, now time.Time)
	PruneCooldowns(now time.Time) int
}

// HealthProber probes one node agent.
type HealthProber interface {
	Health(ctx context.Context, node model.NodeDescriptor) (nodectl.HealthReply, error)
}

// Config holds the cadences.
type Config struct {
	ScanInterval       time.Duration
	PruneInterval      time.Duration
	ReEnableTick       time.Duration
	NodeHealthInterval time.Duration
	IPWindow           time.Duration
	Grace              time.Duration
	CompactSchedule    string
}

// Scheduler owns the background loops. Each loop runs with a small jitter so
// restarts do not synchronize load spikes across controllers.
type Scheduler struct {
	cfg      Config
	ix       *index.Index
	detector Evaluator
	enforcer ReEnabler
	registry *nodectl.Registry
	prober   HealthProber
	ring     *events.Ring

	cron *cron.Cron
	wg   sync.WaitGroup
}

// New builds a scheduler. ring may be nil.
func New(cfg Config, ix *index.Index, det Evaluator, enf ReEnabler, reg *nodectl.Registry, prober HealthProber, ring *events.Ring) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		ix:       ix,
		detector: det,
		enforcer: enf,
		registry: reg,
		prober:   prober,
		ring:     ring,
	}
}

// Start launches all loops and the compaction cron. It returns an error only
// when the cron expression does not parse.
func (s *Scheduler) Start(stopCh <-chan struct{}) error {
	s.spawn(stopCh, s.cfg.ScanInterval, s.runScan)
	s.spawn(stopCh, s.cfg.PruneInterval, s.runPrune)
	s.spawn(stopCh, s.cfg.ReEnableTick, s.runReEnable)
	if s.registry != nil && s.prober != nil {
		s.spawn(stopCh, s.cfg.NodeHealthInterval, s.runNodeHealth)
	}

	if s.cfg.CompactSchedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(s.cfg.CompactSchedule, s.runCompact); err != nil {
			return fmt.Errorf("sched: compact schedule %q: %w", s.cfg.CompactSchedule, err)
		}
		s.cron.Start()
		go func() {
			<-stopCh
			s.cron.Stop()
		}()
	}
	return nil
}

// Wait blocks until all loops have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) spawn(stopCh <-chan struct{}, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		scanloop.Run(stopCh, interval, interval/4, fn)
	}()
}

func (s *Scheduler) runScan() {
	n, err := s.detector.EvaluateAll(context.Background(), time.Now())
	if err != nil {
		log.Printf("[sched] scan: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[sched] scan evaluated %d subscribers", n)
	}
}

func (s *Scheduler) runPrune() {
	now := time.Now()
	if n := s.enforcer.PruneCooldowns(now); n > 0 {
		log.Printf("[sched] pruned %d expired cool-downs", n)
	}
	deleted, err := s.ix.Prune(s.cfg.IPWindow+s.cfg.Grace, now)
	if err != nil {
		log.Printf("[sched] prune: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("[sched] pruned %d stale index entries", deleted)
	}
}

func (s *Scheduler) runReEnable() {
	s.enforcer.ReEnableDue(context.Background(), time.Now())
}

func (s *Scheduler) runNodeHealth() {
	now := time.Now()
	for _, node := range s.registry.List() {
		prev := s.registry.HealthOf(node.Name)

		reply, err := s.prober.Health(context.Background(), node)
		h := model.NodeHealth{Name: node.Name, CheckedAt: now}
		if err != nil {
			h.Error = err.Error()
		} else {
			h.Online = true
			h.InstalledRules = reply.InstalledRules
		}
		s.registry.SetHealth(h)

		if prev.Online != h.Online && !prev.CheckedAt.IsZero() {
			kind := events.KindNodeOnline
			if !h.Online {
				kind = events.KindNodeOffline
				log.Printf("[sched] node %s went offline: %v", node.Name, err)
			} else {
				log.Printf("[sched] node %s back online", node.Name)
			}
			if s.ring != nil {
				s.ring.Append(events.Event{At: now, Kind: kind, Detail: node.Name})
			}
		}
	}
}

func (s *Scheduler) runCompact() {
	start := time.Now()
	if err := s.ix.Compact(); err != nil {
		log.Printf("[sched] compact: %v", err)
		return
	}
	log.Printf("[sched] index compacted in %s", time.Since(start).Round(time.Millisecond))
}
