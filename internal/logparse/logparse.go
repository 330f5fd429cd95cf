// Package logparse extracts connection observations from VPN access-log lines.
//
// The supported format is the Xray access log:
//
//	2025/12/07 15:02:32.056701 from 178.176.86.81:16708 accepted tcp:example.com:443 email: user_848055128
//
// Lines that do not match are not errors; callers drop them and count the miss.
package logparse

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// linePattern matches the client address and subscriber token of an access-log
// line. The "tcp:" prefix before the address appears in some Xray builds.
var linePattern = regexp.MustCompile(`from (?:tcp:)?(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{1,5})\b.*email:\s*(\S+)`)

// DefaultSubscriberPrefix is the display prefix most deployments put in front
// of the numeric subscriber id inside the log's email field.
const DefaultSubscriberPrefix = "user_"

// Parser parses access-log lines into (subscriber, ip, port) tuples.
type Parser struct {
	prefix string
}

// NewParser creates a Parser that strips the given display prefix from the
// subscriber token. An empty prefix disables stripping.
func NewParser(prefix string) *Parser {
	return &Parser{prefix: prefix}
}

// Entry is one successfully parsed log line.
type Entry struct {
	Subscriber string
	IP         netip.Addr
	Port       uint16
}

// Parse attempts to parse one log line. ok is false for lines that do not
// match the pattern or carry an invalid address, port, or empty subscriber.
func (p *Parser) Parse(line string) (Entry, bool) {
	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return Entry{}, false
	}

	ip, err := netip.ParseAddr(m[1])
	if err != nil || !ip.Is4() {
		return Entry{}, false
	}

	port, err := strconv.ParseUint(m[2], 10, 16)
	if err != nil {
		return Entry{}, false
	}

	sub := StripPrefix(m[3], p.prefix)
	if sub == "" {
		return Entry{}, false
	}

	return Entry{Subscriber: sub, IP: ip, Port: uint16(port)}, true
}

// StripPrefix removes the display prefix from a subscriber token.
// It strips at most one occurrence, and only at the start.
func StripPrefix(token, prefix string) string {
	token = strings.TrimSpace(token)
	if prefix != "" {
		token = strings.TrimPrefix(token, prefix)
	}
	return token
}
