// Package model defines the shared value types passed between components.
package model

import (
	"net/netip"
	"time"
)

// ConnectionEvent is a single observation of a subscriber connecting from a
// client address, as parsed from a node's access log.
type ConnectionEvent struct {
	// Subscriber is the raw subscriber identifier with any display prefix
	// already stripped.
	Subscriber string
	IP         netip.Addr
	// Port is the client source port; 0 means not reported.
	Port       uint16
	Node       string
	ObservedAt time.Time
}

// ConnectionEntry is one row of the connection index, keyed by
// (subscriber, ip).
type ConnectionEntry struct {
	Subscriber string
	IP         netip.Addr
	Port       uint16
	Node       string
	LastSeen   time.Time
}

// SubscriberView is the derived per-subscriber state over the index window.
type SubscriberView struct {
	ID             string
	IPs            []netip.Addr
	Nodes          []string
	MostRecentSeen time.Time
}

// ViolationReason classifies why the detector flagged a subscriber.
type ViolationReason string

const (
	// ReasonOverLimit is the strict-policy reason: distinct IPs exceed the limit.
	ReasonOverLimit ViolationReason = "over_limit"
	// ReasonMultiNode means simultaneous presence on two or more nodes.
	ReasonMultiNode ViolationReason = "multi_node"
	// ReasonMultiSubnet means concurrent IPs span more /24 subnets than the limit.
	ReasonMultiSubnet ViolationReason = "multi_subnet"
	// ReasonConcurrentExcess means concurrent IPs exceed limit+1 even with
	// hand-over slack.
	ReasonConcurrentExcess ViolationReason = "concurrent_excess"
	// ReasonManual marks an operator-forced enforcement.
	ReasonManual ViolationReason = "manual"
)

// Violation is emitted by the detector and consumed by the enforcement
// coordinator.
type Violation struct {
	Subscriber    string
	Limit         uint32
	IPs           []netip.Addr
	ConcurrentIPs []netip.Addr
	Nodes         []string
	Reason        ViolationReason
	DetectedAt    time.Time
}

// BlockedSubscriber is one durable entry of the active-disable map.
type BlockedSubscriber struct {
	Subscriber     string    `json:"subscriber"`
	UUID           string    `json:"uuid"`
	ExpiresAt      time.Time `json:"expires_at"`
	OriginalStatus string    `json:"original_status,omitempty"`
	IPs            []string  `json:"ips,omitempty"`
	BlockedAt      time.Time `json:"blocked_at"`
}

// NodeDescriptor names one VPN node and its agent control address.
type NodeDescriptor struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
	Port    int    `json:"port" yaml:"port"`
}

// NodeHealth is the last known state of a node's agent.
type NodeHealth struct {
	Name           string    `json:"name"`
	Online         bool      `json:"online"`
	InstalledRules int       `json:"installed_rules"`
	CheckedAt      time.Time `json:"checked_at"`
	Error          string    `json:"error,omitempty"`
}
