package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"
)

const testSecret = "agent-secret"

func mustAddr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func newTestServer(t *testing.T) (*Server, *Firewall) {
	t.Helper()
	fw := NewFirewall(&memExecutor{})
	srv := NewServer(ServerConfig{Secret: testSecret, Node: "node-a"}, fw, nil, nil)
	return srv, fw
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAgentServer_BlockAndAlias(t *testing.T) {
	for _, path := range []string{"/block", "/block_ip"} {
		t.Run(path, func(t *testing.T) {
			srv, fw := newTestServer(t)
			rec := postJSON(t, srv.Handler(), path, blockRequest{
				IP: "1.2.3.4", Port: 443, Duration: 60, Secret: testSecret,
			})
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			if fw.Count() != 1 {
				t.Fatalf("Count = %d, want 1", fw.Count())
			}
			expiry, ok := fw.ExpiryOf(RuleKey{IP: mustAddr("1.2.3.4"), Port: 443})
			if !ok {
				t.Fatal("rule not tracked")
			}
			if remain := time.Until(expiry); remain < 55*time.Second || remain > 65*time.Second {
				t.Errorf("ttl remaining = %v, want about a minute", remain)
			}
		})
	}
}

func TestAgentServer_BlockRejectsBadInput(t *testing.T) {
	srv, fw := newTestServer(t)

	cases := []struct {
		name string
		req  blockRequest
		code int
	}{
		{"wrong secret", blockRequest{IP: "1.2.3.4", Duration: 60, Secret: "nope"}, http.StatusForbidden},
		{"bad ip", blockRequest{IP: "not-an-ip", Duration: 60, Secret: testSecret}, http.StatusBadRequest},
		{"ipv6", blockRequest{IP: "::1", Duration: 60, Secret: testSecret}, http.StatusBadRequest},
		{"zero duration", blockRequest{IP: "1.2.3.4", Duration: 0, Secret: testSecret}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, srv.Handler(), "/block", tc.req)
			if rec.Code != tc.code {
				t.Errorf("status = %d, want %d", rec.Code, tc.code)
			}
		})
	}
	if fw.Count() != 0 {
		t.Errorf("Count = %d after rejected requests", fw.Count())
	}
}

func TestAgentServer_UnblockAndClear(t *testing.T) {
	srv, fw := newTestServer(t)
	fw.Block(RuleKey{IP: mustAddr("1.1.1.1")}, time.Hour, time.Now())
	fw.Block(RuleKey{IP: mustAddr("2.2.2.2")}, time.Hour, time.Now())

	rec := postJSON(t, srv.Handler(), "/unblock_ip", unblockRequest{IP: "1.1.1.1", Secret: testSecret})
	if rec.Code != http.StatusOK {
		t.Fatalf("unblock status = %d", rec.Code)
	}
	if fw.Count() != 1 {
		t.Fatalf("Count = %d after unblock", fw.Count())
	}

	rec = postJSON(t, srv.Handler(), "/clear_iptables", clearRequest{Secret: testSecret})
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	if fw.Count() != 0 {
		t.Errorf("Count = %d after clear", fw.Count())
	}
}

func TestAgentServer_Health(t *testing.T) {
	fw := NewFirewall(&memExecutor{})
	fw.Block(RuleKey{IP: mustAddr("1.1.1.1")}, time.Hour, time.Now())

	srv := NewServer(ServerConfig{Secret: testSecret, Node: "node-a"}, fw, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Node           string `json:"node"`
		InstalledRules int    `json:"installed_rules"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Node != "node-a" || resp.InstalledRules != 1 {
		t.Errorf("health = %+v", resp)
	}
}
