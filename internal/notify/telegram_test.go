package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type fakeBotAPI struct {
	mu    sync.Mutex
	calls []map[string]any
	reply func(method string, body map[string]any) string
}

func newFakeBotAPI(t *testing.T, reply func(method string, body map[string]any) string) (*TelegramClient, *fakeBotAPI) {
	t.Helper()
	f := &fakeBotAPI{reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["_method"] = method
		f.mu.Lock()
		f.calls = append(f.calls, body)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(f.reply(method, body)))
	}))
	t.Cleanup(srv.Close)
	return NewTelegramClient(srv.URL, "TOKEN", zerolog.Nop()), f
}

func TestSendReturnsMessageID(t *testing.T) {
	c, f := newFakeBotAPI(t, func(string, map[string]any) string {
		return `{"ok":true,"result":{"message_id":42}}`
	})
	id, err := c.Send(context.Background(), 7, "hello", []Button{{Text: "✅", Data: "approve:1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 42 {
		t.Errorf("id=%d, expected 42", id)
	}
	if f.calls[0]["_method"] != "sendMessage" || f.calls[0]["reply_markup"] == nil {
		t.Errorf("call=%v", f.calls[0])
	}
}

func TestEditErrors(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr error
		anyErr  bool
	}{
		{"ok", `{"ok":true,"result":true}`, nil, false},
		{"not modified", `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified: specified new message content"}`, nil, false},
		{"gone", `{"ok":false,"error_code":400,"description":"Bad Request: message to edit not found"}`, ErrMessageNotEditable, true},
		{"other", `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5"}`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newFakeBotAPI(t, func(string, map[string]any) string { return tt.reply })
			err := c.Edit(context.Background(), 1, 10, "text")
			if !tt.anyErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err=%v, expected %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && errors.Is(err, ErrMessageNotEditable) {
				t.Errorf("err=%v must not be ErrMessageNotEditable", err)
			}
		})
	}
}

func TestEditWithoutMessageID(t *testing.T) {
	c, f := newFakeBotAPI(t, func(string, map[string]any) string { return `{"ok":true}` })
	if err := c.Edit(context.Background(), 1, 0, "x"); !errors.Is(err, ErrMessageNotEditable) {
		t.Errorf("err=%v", err)
	}
	if len(f.calls) != 0 {
		t.Error("no request expected without message id")
	}
}

func TestDeleteGoneIsSuccess(t *testing.T) {
	c, _ := newFakeBotAPI(t, func(string, map[string]any) string {
		return `{"ok":false,"error_code":400,"description":"Bad Request: message to delete not found"}`
	})
	if err := c.Delete(context.Background(), 1, 5); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReporterTruncates(t *testing.T) {
	c, f := newFakeBotAPI(t, func(string, map[string]any) string {
		return `{"ok":true,"result":{"message_id":1}}`
	})
	r := NewReporter(c, -100, zerolog.Nop())
	r.Report(context.Background(), "cycle user 1", errors.New("boom"), []byte(strings.Repeat("x", 5000)))

	if len(f.calls) != 1 {
		t.Fatalf("calls=%d", len(f.calls))
	}
	text := f.calls[0]["text"].(string)
	if len(text) > maxReportLen+10 || !strings.Contains(text, "boom") {
		t.Errorf("report text len=%d", len(text))
	}
}

func TestReporterWithoutChannel(t *testing.T) {
	c, f := newFakeBotAPI(t, func(string, map[string]any) string { return `{"ok":true}` })
	NewReporter(c, 0, zerolog.Nop()).Report(context.Background(), "x", errors.New("boom"), nil)
	if len(f.calls) != 0 {
		t.Error("nothing must be sent without channel")
	}
}
