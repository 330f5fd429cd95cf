// Package index implements the controller's time-windowed connection index:
// the mapping (subscriber, ip) -> (node, port, last_seen) with the secondary
// queries the violation detector and admin facade need.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tetherguard/tether/internal/model"
)

// ErrClosed is returned by operations on a closed index.
var ErrClosed = errors.New("index: closed")

// Index is the connection index. Writes go through a coarse mutex; the
// per-operation critical section is a single statement, which is sufficient
// at the expected ingest rate.
type Index struct {
	mu      sync.Mutex
	db      *sql.DB
	closed  bool
	touched *TouchedSet
}

// Open opens (or creates) the index database at path and applies migrations.
// Use ":memory:" for an ephemeral index.
func Open(path string) (*Index, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	// modernc sqlite serializes at the driver level; a single connection
	// avoids table-lock errors between the writer and readers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("index: %s: %w", pragma, err)
		}
	}

	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Index{db: db, touched: NewTouchedSet()}, nil
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil
	}
	ix.closed = true
	return ix.db.Close()
}

// Touched returns the set of subscribers whose entries changed since the
// last drain. The ingest path drains it to drive event-driven evaluation.
func (ix *Index) Touched() *TouchedSet {
	return ix.touched
}

// Upsert inserts or refreshes the (subscriber, ip) entry. Duplicate reports
// update last_seen and the node the pair was last seen on.
func (ix *Index) Upsert(ev model.ConnectionEvent) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}

	_, err := ix.db.Exec(`
		INSERT INTO connections (subscriber, ip, port, node, last_seen_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (subscriber, ip) DO UPDATE SET
			port = excluded.port,
			node = excluded.node,
			last_seen_ns = excluded.last_seen_ns`,
		ev.Subscriber, ev.IP.String(), int(ev.Port), ev.Node, ev.ObservedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("index: upsert %s/%s: %w", ev.Subscriber, ev.IP, err)
	}
	ix.touched.Mark(ev.Subscriber)
	return nil
}

// IPsOf returns the entries for a subscriber with last_seen inside the window.
func (ix *Index) IPsOf(subscriber string, window time.Duration, now time.Time) ([]model.ConnectionEntry, error) {
	cutoff := now.Add(-window).UnixNano()
	rows, err := ix.db.Query(`
		SELECT ip, port, node, last_seen_ns
		FROM connections
		WHERE subscriber = ? AND last_seen_ns > ?
		ORDER BY last_seen_ns ASC`,
		subscriber, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("index: ips_of %s: %w", subscriber, err)
	}
	defer rows.Close()

	var entries []model.ConnectionEntry
	for rows.Next() {
		var (
			ipStr      string
			port       int
			node       string
			lastSeenNs int64
		)
		if err := rows.Scan(&ipStr, &port, &node, &lastSeenNs); err != nil {
			return nil, fmt.Errorf("index: ips_of %s: scan: %w", subscriber, err)
		}
		ip, err := netip.ParseAddr(ipStr)
		if err != nil {
			// Should not happen: addresses are validated at ingest.
			continue
		}
		entries = append(entries, model.ConnectionEntry{
			Subscriber: subscriber,
			IP:         ip,
			Port:       uint16(port),
			Node:       node,
			LastSeen:   time.Unix(0, lastSeenNs),
		})
	}
	return entries, rows.Err()
}

// NodesOf returns the distinct nodes a subscriber was seen on inside the window.
func (ix *Index) NodesOf(subscriber string, window time.Duration, now time.Time) ([]string, error) {
	cutoff := now.Add(-window).UnixNano()
	rows, err := ix.db.Query(`
		SELECT DISTINCT node
		FROM connections
		WHERE subscriber = ? AND last_seen_ns > ?
		ORDER BY node`,
		subscriber, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("index: nodes_of %s: %w", subscriber, err)
	}
	defer rows.Close()

	var nodes []string
	for rows.Next() {
		var node string
		if err := rows.Scan(&node); err != nil {
			return nil, fmt.Errorf("index: nodes_of %s: scan: %w", subscriber, err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// ActiveSubscribers returns subscribers with any entry inside the window.
func (ix *Index) ActiveSubscribers(window time.Duration, now time.Time) ([]string, error) {
	cutoff := now.Add(-window).UnixNano()
	rows, err := ix.db.Query(
		`SELECT DISTINCT subscriber FROM connections WHERE last_seen_ns > ? ORDER BY subscriber`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("index: active_subscribers: %w", err)
	}
	defer rows.Close()

	var subs []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("index: active_subscribers: scan: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// View assembles the derived per-subscriber view over the window.
func (ix *Index) View(subscriber string, window time.Duration, now time.Time) (model.SubscriberView, error) {
	entries, err := ix.IPsOf(subscriber, window, now)
	if err != nil {
		return model.SubscriberView{}, err
	}
	view := model.SubscriberView{ID: subscriber}
	seenNodes := make(map[string]struct{})
	for _, e := range entries {
		view.IPs = append(view.IPs, e.IP)
		if _, ok := seenNodes[e.Node]; !ok {
			seenNodes[e.Node] = struct{}{}
			view.Nodes = append(view.Nodes, e.Node)
		}
		if e.LastSeen.After(view.MostRecentSeen) {
			view.MostRecentSeen = e.LastSeen
		}
	}
	return view, nil
}

// Prune deletes entries whose last_seen is older than maxAge. Returns the
// number of deleted rows.
func (ix *Index) Prune(maxAge time.Duration, now time.Time) (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return 0, ErrClosed
	}

	cutoff := now.Add(-maxAge).UnixNano()
	res, err := ix.db.Exec(`DELETE FROM connections WHERE last_seen_ns < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("index: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats reports the total row count and the distinct subscribers inside the
// window, for health output.
func (ix *Index) Stats(window time.Duration, now time.Time) (connections int, subscribers int, err error) {
	if err = ix.db.QueryRow(`SELECT COUNT(*) FROM connections`).Scan(&connections); err != nil {
		return 0, 0, fmt.Errorf("index: stats: %w", err)
	}
	cutoff := now.Add(-window).UnixNano()
	err = ix.db.QueryRow(
		`SELECT COUNT(DISTINCT subscriber) FROM connections WHERE last_seen_ns > ?`, cutoff,
	).Scan(&subscribers)
	if err != nil {
		return 0, 0, fmt.Errorf("index: stats: %w", err)
	}
	return connections, subscribers, nil
}

// Compact reclaims file space after heavy pruning. Scheduled daily.
func (ix *Index) Compact() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}
	if _, err := ix.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("index: compact: %w", err)
	}
	return nil
}
