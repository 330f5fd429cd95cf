package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewTelegram_UnconfiguredIsNop(t *testing.T) {
	if _, ok := NewTelegram(nil, "", "chat").(Nop); !ok {
		t.Error("missing token should yield Nop")
	}
	if _, ok := NewTelegram(nil, "token", "").(Nop); !ok {
		t.Error("missing chat id should yield Nop")
	}
	if err := (Nop{}).Notify(context.Background(), "hi"); err != nil {
		t.Errorf("Nop.Notify: %v", err)
	}
}

func TestTelegram_SendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegram(srv.Client(), "tok123", "42").(*Telegram)
	n.baseURL = srv.URL

	if err := n.Notify(context.Background(), "subscriber blocked"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotPath != "/bottok123/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["chat_id"] != "42" || gotBody["text"] != "subscriber blocked" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestTelegram_ErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewTelegram(srv.Client(), "tok", "42").(*Telegram)
	n.baseURL = srv.URL

	if err := n.Notify(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}
