package agent

import (
	"fmt"
	"log"
	"net/netip"
	"os/exec"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const sweepInterval = 5 * time.Second

// RuleKey identifies one drop rule. Port 0 means the rule matches the whole
// address.
type RuleKey struct {
	IP   netip.Addr
	Port uint16
}

func (k RuleKey) String() string {
	if k.Port == 0 {
		return k.IP.String()
	}
	return fmt.Sprintf("%s:%d", k.IP, k.Port)
}

// Executor applies rules to the host firewall.
type Executor interface {
	Install(k RuleKey) error
	Remove(k RuleKey) error
}

// IPTables is the production executor: DROP rules at the head of INPUT.
type IPTables struct {
	// run executes iptables with args; tests replace it.
	run func(args ...string) error
}

// NewIPTables creates the iptables executor.
func NewIPTables() *IPTables {
	return &IPTables{run: func(args ...string) error {
		out, err := exec.Command("iptables", args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("iptables %v: %w (%s)", args, err, out)
		}
		return nil
	}}
}

func (t *IPTables) ruleArgs(k RuleKey) []string {
	args := []string{"INPUT", "-s", k.IP.String()}
	if k.Port != 0 {
		args = append(args, "-p", "tcp", "--sport", strconv.Itoa(int(k.Port)))
	}
	return append(args, "-j", "DROP")
}

// Install adds the rule unless an identical one is already present.
func (t *IPTables) Install(k RuleKey) error {
	rule := t.ruleArgs(k)
	if err := t.run(append([]string{"-C"}, rule...)...); err == nil {
		return nil
	}
	return t.run(append([]string{"-I"}, rule...)...)
}

// Remove deletes the rule. A missing rule is not an error.
func (t *IPTables) Remove(k RuleKey) error {
	rule := t.ruleArgs(k)
	if err := t.run(append([]string{"-C"}, rule...)...); err != nil {
		return nil
	}
	return t.run(append([]string{"-D"}, rule...)...)
}

type applyOp struct {
	key     RuleKey
	install bool
}

// Firewall tracks TTL'd drop rules. The registry is the source of truth;
// a single apply goroutine serializes all executor calls so rule mutations
// never interleave.
type Firewall struct {
	exec  Executor
	rules *xsync.Map[RuleKey, time.Time]
	ops   chan applyOp
}

// NewFirewall creates a firewall over the given executor.
func NewFirewall(exec Executor) *Firewall {
	return &Firewall{
		exec:  exec,
		rules: xsync.NewMap[RuleKey, time.Time](),
		ops:   make(chan applyOp, 256),
	}
}

// Run processes apply operations and sweeps expired rules until stopCh
// closes. Remaining rules are removed on shutdown.
func (f *Firewall) Run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			f.drainOps()
			f.removeAllDirect()
			return
		case op := <-f.ops:
			f.apply(op)
		case <-ticker.C:
			f.sweep(time.Now())
		}
	}
}

func (f *Firewall) apply(op applyOp) {
	var err error
	if op.install {
		err = f.exec.Install(op.key)
	} else {
		err = f.exec.Remove(op.key)
	}
	if err != nil {
		log.Printf("[firewall] %s: %v", op.key, err)
	}
}

func (f *Firewall) drainOps() {
	for {
		select {
		case op := <-f.ops:
			f.apply(op)
		default:
			return
		}
	}
}

// removeAllDirect tears down remaining rules without going through the ops
// channel. Shutdown only: at that point this goroutine is the sole owner.
func (f *Firewall) removeAllDirect() {
	f.rules.Range(func(k RuleKey, _ time.Time) bool {
		if _, ok := f.rules.LoadAndDelete(k); ok {
			f.apply(applyOp{key: k, install: false})
		}
		return true
	})
}

// Block installs or extends the rule for k. The expiry only ever grows: a
// re-block with a shorter ttl never shortens an existing rule.
func (f *Firewall) Block(k RuleKey, ttl time.Duration, now time.Time) {
	expiry := now.Add(ttl)
	installed := false
	f.rules.Compute(k, func(old time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded {
			if old.After(expiry) {
				return old, xsync.CancelOp
			}
			return expiry, xsync.UpdateOp
		}
		installed = true
		return expiry, xsync.UpdateOp
	})
	if installed {
		f.ops <- applyOp{key: k, install: true}
	}
}

// Unblock removes the rule for k. Unblocking an absent rule is a no-op.
func (f *Firewall) Unblock(k RuleKey) {
	if _, ok := f.rules.LoadAndDelete(k); ok {
		f.ops <- applyOp{key: k, install: false}
	}
}

// ClearAll removes every tracked rule.
func (f *Firewall) ClearAll() {
	f.rules.Range(func(k RuleKey, _ time.Time) bool {
		if _, ok := f.rules.LoadAndDelete(k); ok {
			f.ops <- applyOp{key: k, install: false}
		}
		return true
	})
}

// sweep removes rules whose ttl has passed. It runs on the apply goroutine,
// so removals are executed directly: queueing them on f.ops would block the
// only consumer once more rules expire than the channel holds.
func (f *Firewall) sweep(now time.Time) {
	f.rules.Range(func(k RuleKey, expiry time.Time) bool {
		if now.Before(expiry) {
			return true
		}
		if _, ok := f.rules.LoadAndDelete(k); ok {
			log.Printf("[firewall] %s expired", k)
			f.apply(applyOp{key: k, install: false})
		}
		return true
	})
}

// Count returns the number of tracked rules.
func (f *Firewall) Count() int {
	return f.rules.Size()
}

// ExpiryOf returns the expiry for a rule, for tests and health detail.
func (f *Firewall) ExpiryOf(k RuleKey) (time.Time, bool) {
	return f.rules.Load(k)
}
