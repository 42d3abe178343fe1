package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gitNoodler/wankr-sub000/internal/active"
	"github.com/gitNoodler/wankr-sub000/internal/archive"
	"github.com/gitNoodler/wankr-sub000/internal/chat"
	"github.com/gitNoodler/wankr-sub000/internal/metrics"
)

type processCall struct {
	chatID     string
	isDelete   bool
	username   string
	credential string
}

type fakeArchiver struct {
	mu    sync.Mutex
	calls []processCall
	chats []chat.Chat
	err   error
}

func (f *fakeArchiver) Process(_ context.Context, c chat.Chat, isDelete bool, username, credential string) (*archive.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, processCall{c.ID, isDelete, username, credential})
	f.chats = append(f.chats, c)
	if f.err != nil {
		return nil, f.err
	}
	n := chat.ExchangeCount(c.Messages)
	return &archive.Result{Discarded: n < 5, Exchanges: n}, nil
}

func (f *fakeArchiver) Calls() []processCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]processCall(nil), f.calls...)
}

func (f *fakeArchiver) Chats() []chat.Chat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Chat(nil), f.chats...)
}

func newTestServer(t *testing.T) (*httptest.Server, *active.Store, *fakeArchiver) {
	t.Helper()
	store := active.NewStore(t.TempDir(), active.Config{MaxChats: 3}, nil, nil)
	arch := &fakeArchiver{}
	s := NewServer("", 0, store, arch, nil)
	s.SetDefaultCredential("default-key")
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, store, arch
}

func chatJSON(t *testing.T, id string, exchanges int, created time.Time) []byte {
	t.Helper()
	c := chat.Chat{ID: id, Name: "chat " + id, CreatedAt: created}
	for i := 0; i < exchanges; i++ {
		c.Messages = append(c.Messages,
			chat.Message{Role: "user", Content: "q"},
			chat.Message{Role: "assistant", Content: "a"})
	}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func do(t *testing.T, method, url string, body []byte, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestListChats_Empty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/users/alice/chats", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

func TestAddChat_OverflowIsArchived(t *testing.T) {
	srv, store, arch := newTestServer(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		resp, _ := do(t, http.MethodPost, srv.URL+"/v1/users/alice/chats",
			chatJSON(t, fmt.Sprintf("c%d", i), 6, base.Add(time.Duration(i)*time.Hour)), nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("add c%d status = %d", i, resp.StatusCode)
		}
	}
	if len(arch.Calls()) != 0 {
		t.Fatalf("archiver called before cap reached")
	}

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/users/alice/chats",
		chatJSON(t, "c3", 1, base.Add(10*time.Hour)), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}

	var got AddResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Overflow == nil || got.Overflow.ID != "c0" || !got.Overflow.Archived {
		t.Errorf("overflow = %+v, want archived c0", got.Overflow)
	}

	calls := arch.Calls()
	if len(calls) != 1 || calls[0] != (processCall{"c0", false, "alice", "default-key"}) {
		t.Errorf("calls = %+v", calls)
	}
	if n := len(store.Load("alice")); n != 3 {
		t.Errorf("active chats = %d, want 3", n)
	}
}

func TestAddChat_BadRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "nope"},
		{"missing id", `{"name":"x","messages":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, http.MethodPost, srv.URL+"/v1/users/alice/chats", []byte(tt.body), nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestUpdateChat(t *testing.T) {
	srv, store, _ := newTestServer(t)
	now := time.Now().UTC()

	resp, _ := do(t, http.MethodPut, srv.URL+"/v1/users/alice/chats/c1", chatJSON(t, "ignored", 1, now), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("update missing status = %d, want 404", resp.StatusCode)
	}
	if n := len(store.Load("alice")); n != 0 {
		t.Errorf("update created a chat")
	}

	do(t, http.MethodPost, srv.URL+"/v1/users/alice/chats", chatJSON(t, "c1", 1, now), nil)
	resp, _ = do(t, http.MethodPut, srv.URL+"/v1/users/alice/chats/c1", chatJSON(t, "ignored", 2, now), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	chats := store.Load("alice")
	if len(chats) != 1 || len(chats[0].Messages) != 4 {
		t.Errorf("chats after update = %+v", chats)
	}
}

func TestArchiveChat(t *testing.T) {
	srv, store, arch := newTestServer(t)

	hdr := http.Header{CredentialHeader: []string{"user-key"}}
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/users/bob/chats/c1/archive",
		chatJSON(t, "c1", 5, time.Now().UTC()), hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}

	var got ArchiveResponse
	json.Unmarshal(body, &got)
	if !got.Archived || got.Exchanges != 5 {
		t.Errorf("response = %+v", got)
	}
	calls := arch.Calls()
	if len(calls) != 1 || calls[0] != (processCall{"c1", false, "bob", "user-key"}) {
		t.Errorf("calls = %+v", calls)
	}
	if n := len(store.Load("bob")); n != 1 {
		t.Errorf("archived chat not kept in active set")
	}
}

func TestArchiveChat_ArchivesStoredCopy(t *testing.T) {
	srv, _, arch := newTestServer(t)
	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	do(t, http.MethodPost, srv.URL+"/v1/users/bob/chats", chatJSON(t, "c1", 2, created), nil)

	// The body omits createdAt; the archived snapshot must keep the
	// stored one along with the new messages.
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/users/bob/chats/c1/archive",
		chatJSON(t, "c1", 5, time.Time{}), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}

	chats := arch.Chats()
	if len(chats) != 1 {
		t.Fatalf("archived %d chats, want 1", len(chats))
	}
	if !chats[0].CreatedAt.Equal(created) {
		t.Errorf("archived CreatedAt = %v, want %v", chats[0].CreatedAt, created)
	}
	if n := chat.ExchangeCount(chats[0].Messages); n != 5 {
		t.Errorf("archived exchanges = %d, want 5", n)
	}
}

func TestAddChat_OverflowFailureNamesEvictedChat(t *testing.T) {
	srv, store, arch := newTestServer(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		do(t, http.MethodPost, srv.URL+"/v1/users/alice/chats",
			chatJSON(t, fmt.Sprintf("c%d", i), 6, base.Add(time.Duration(i)*time.Hour)), nil)
	}
	arch.err = fmt.Errorf("%w: disk full", archive.ErrPermanentWrite)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/users/alice/chats",
		chatJSON(t, "c3", 1, base.Add(10*time.Hour)), nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	msg := string(body)
	if !strings.Contains(msg, "chat saved") || !strings.Contains(msg, "c0") {
		t.Errorf("body = %s, want it to name the evicted chat", msg)
	}
	if store.Get("alice", "c3") == nil {
		t.Error("the request's own chat was not saved")
	}
}

func TestArchiveChat_Discarded(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, body := do(t, http.MethodPost, srv.URL+"/v1/users/bob/chats/c1/archive",
		chatJSON(t, "c1", 4, time.Now().UTC()), nil)
	var got map[string]any
	json.Unmarshal(body, &got)
	if got["discarded"] != true {
		t.Errorf("response = %s, want discarded", body)
	}
	if _, ok := got["archived"]; ok {
		t.Errorf("discarded response should not claim archived: %s", body)
	}
}

func TestDeleteChat(t *testing.T) {
	srv, store, arch := newTestServer(t)

	resp, _ := do(t, http.MethodDelete, srv.URL+"/v1/users/carol/chats/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete missing status = %d, want 404", resp.StatusCode)
	}

	do(t, http.MethodPost, srv.URL+"/v1/users/carol/chats", chatJSON(t, "c1", 5, time.Now().UTC()), nil)
	resp, body := do(t, http.MethodDelete, srv.URL+"/v1/users/carol/chats/c1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %s", resp.StatusCode, body)
	}
	if n := len(store.Load("carol")); n != 0 {
		t.Errorf("chat still active after delete")
	}
	calls := arch.Calls()
	if len(calls) != 1 || !calls[0].isDelete || calls[0].chatID != "c1" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestArchive_PermanentFailureIs500(t *testing.T) {
	srv, _, arch := newTestServer(t)
	arch.err = fmt.Errorf("%w: disk full", archive.ErrPermanentWrite)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/users/dan/chats/c1/archive",
		chatJSON(t, "c1", 5, time.Now().UTC()), nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if !strings.Contains(string(body), "failed to archive chat") {
		t.Errorf("body = %s", body)
	}
}

func TestHealthVersionMetrics(t *testing.T) {
	store := active.NewStore(t.TempDir(), active.Config{}, nil, nil)
	reg := prometheus.NewRegistry()
	metrics.New(reg).Discarded()

	s := NewServer("", 0, store, &fakeArchiver{}, nil)
	s.SetMetricsHandler("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	tests := []struct {
		path string
		want string
	}{
		{"/health", `"status":"healthy"`},
		{"/v1/version", `"version"`},
		{"/metrics", "wankr_archive_discards_total 1"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, srv.URL+tt.path, nil, nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if !strings.Contains(string(body), tt.want) {
				t.Errorf("body missing %q:\n%s", tt.want, body)
			}
		})
	}
}
