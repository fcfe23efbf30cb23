package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// SyncReply is one canned /sync response.
type SyncReply struct {
	Status int    // defaults to 200
	Body   string // raw JSON
}

// SentNotice is a notice captured by the mock homeserver.
type SentNotice struct {
	RoomID  string
	TxnID   string
	Body    string
	MsgType string
	Auth    string
}

// MockMatrixServer creates a test server that mocks the homeserver endpoints
// used by the bot: GET /sync and PUT /rooms/{room}/send/m.room.message/{txn}.
type MockMatrixServer struct {
	*httptest.Server

	mu          sync.Mutex
	replies     []SyncReply
	SyncQueries []map[string]string
	SyncAuth    []string
	Notices     []SentNotice
	SendStatus  int
}

// NewMockMatrixServer creates a new mock homeserver. Sync requests beyond the
// queued replies receive an empty batch with next_batch "end".
func NewMockMatrixServer(t *testing.T) *MockMatrixServer {
	t.Helper()
	m := &MockMatrixServer{}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

// QueueSync appends canned sync replies.
func (m *MockMatrixServer) QueueSync(replies ...SyncReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, replies...)
}

// SyncCount returns how many sync requests were received.
func (m *MockMatrixServer) SyncCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SyncQueries)
}

// SentNotices returns a copy of the captured notices.
func (m *MockMatrixServer) SentNotices() []SentNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentNotice(nil), m.Notices...)
}

func (m *MockMatrixServer) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/_matrix/client/v3/sync":
		m.mu.Lock()
		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		m.SyncQueries = append(m.SyncQueries, q)
		m.SyncAuth = append(m.SyncAuth, r.Header.Get("Authorization"))
		reply := SyncReply{Body: `{"next_batch":"end"}`}
		if len(m.replies) > 0 {
			reply = m.replies[0]
			m.replies = m.replies[1:]
		}
		m.mu.Unlock()
		if reply.Status == 0 {
			reply.Status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reply.Status)
		_, _ = io.WriteString(w, reply.Body)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/_matrix/client/v3/rooms/"):
		// /_matrix/client/v3/rooms/{room}/send/m.room.message/{txn}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3/rooms/"), "/")
		if len(parts) != 4 || parts[1] != "send" || parts[2] != "m.room.message" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var content struct {
			Body    string `json:"body"`
			MsgType string `json:"msgtype"`
		}
		if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.Notices = append(m.Notices, SentNotice{
			RoomID:  parts[0],
			TxnID:   parts[3],
			Body:    content.Body,
			MsgType: content.MsgType,
			Auth:    r.Header.Get("Authorization"),
		})
		status := m.SendStatus
		m.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"event_id":"$evt"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// MockFileServer serves raw files keyed by request path, like the Mercurial
// web frontend's raw-file endpoint.
type MockFileServer struct {
	*httptest.Server

	mu       sync.Mutex
	Files    map[string]string
	Statuses map[string]int
	Hits     map[string]int
}

// NewMockFileServer creates a file server with no files.
func NewMockFileServer(t *testing.T) *MockFileServer {
	t.Helper()
	m := &MockFileServer{
		Files:    make(map[string]string),
		Statuses: make(map[string]int),
		Hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.Hits[r.URL.Path]++
		body, ok := m.Files[r.URL.Path]
		status := m.Statuses[r.URL.Path]
		m.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(m.Close)
	return m
}

// Set registers body at path.
func (m *MockFileServer) Set(path, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Files[path] = body
}

// Fail makes path respond with status.
func (m *MockFileServer) Fail(path string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Statuses[path] = status
}

// HitCount returns how many times path was requested.
func (m *MockFileServer) HitCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Hits[path]
}
