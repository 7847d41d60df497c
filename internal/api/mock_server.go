package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/zangezia/fieldsync/pkg/models"
)

// MockServer is a fake backend for tests. It serves under /api and rejects
// unknown body fields the way the real backend does.
type MockServer struct {
	*httptest.Server

	mu       sync.Mutex
	token    string
	offline  bool
	delay    time.Duration
	nextID   int
	failures map[string][]Failure
	fixtures map[string]any
	creates  []CreateBulkCall
	updates  []UpdateBulkCall
	hits     map[string]int
	rows     map[int]models.Measurement
}

// Failure is a canned error response
type Failure struct {
	Code    int
	Message string
}

// CreateBulkCall records a bulk create the mock accepted
type CreateBulkCall struct {
	Body    json.RawMessage
	Created []models.Measurement
}

// UpdateBulkCall records a bulk update the mock accepted
type UpdateBulkCall struct {
	Body json.RawMessage
	IDs  []int
}

// NewMockServer starts a mock backend
func NewMockServer() *MockServer {
	m := &MockServer{
		nextID:   1000,
		failures: make(map[string][]Failure),
		fixtures: make(map[string]any),
		hits:     make(map[string]int),
		rows:     make(map[int]models.Measurement),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// BaseURL is the URL to hand to NewClient
func (m *MockServer) BaseURL() string {
	return m.URL + "/api"
}

// RequireToken makes every request without "Bearer token" fail with 401
func (m *MockServer) RequireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// SetOffline makes the mock drop connections without a response
func (m *MockServer) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// SetDelay slows every response down
func (m *MockServer) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// FailNext queues failures for the next requests to path (without /api)
func (m *MockServer) FailNext(path string, failures ...Failure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[path] = append(m.failures[path], failures...)
}

// SetFixture serves body for GET path (without /api, query included)
func (m *MockServer) SetFixture(path string, body any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixtures[path] = body
}

// Creates returns the accepted bulk creates in arrival order
func (m *MockServer) Creates() []CreateBulkCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CreateBulkCall(nil), m.creates...)
}

// Updates returns the accepted bulk updates in arrival order
func (m *MockServer) Updates() []UpdateBulkCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UpdateBulkCall(nil), m.updates...)
}

// Hits returns how many requests reached path, failed ones included
func (m *MockServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// Measurement returns a stored row
func (m *MockServer) Measurement(id int) (models.Measurement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	return row, ok
}

func (m *MockServer) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	offline, delay, token := m.offline, m.delay, m.token
	m.mu.Unlock()

	if offline {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	// escaped, so an id containing a slash stays one segment
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/api")
	key := path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}

	m.mu.Lock()
	m.hits[path]++
	var failure *Failure
	if queued := m.failures[path]; len(queued) > 0 {
		failure = &queued[0]
		m.failures[path] = queued[1:]
	}
	m.mu.Unlock()

	if path == "/health" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if failure != nil {
		writeError(w, failure.Code, failure.Message)
		return
	}

	switch {
	case r.Method == http.MethodPost && path == "/measurements":
		m.handleCreate(w, r)
	case r.Method == http.MethodPatch && path == "/measurements/bulkUpdate":
		m.handleUpdate(w, r)
	case r.Method == http.MethodGet:
		m.mu.Lock()
		body, ok := m.fixtures[key]
		m.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "Cannot GET "+r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, body)
	default:
		writeError(w, http.StatusNotFound, "Cannot "+r.Method+" "+r.URL.Path)
	}
}

func decodeBody(r *http.Request, dst any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	dec.DisallowUnknownFields()
	return buf.Bytes(), dec.Decode(dst)
}

func (m *MockServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	raw, err := decodeBody(r, &body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	created := make([]models.Measurement, 0, len(body.Measurements))
	for _, rec := range body.Measurements {
		m.nextID++
		row := models.Measurement{
			ID:                        m.nextID,
			ReportID:                  rec.ReportID,
			PenVariableTypeOfObjectID: rec.PenVariableTypeOfObjectID,
			SubjectID:                 rec.SubjectID,
			Value:                     rec.Value,
		}
		m.rows[row.ID] = row
		created = append(created, row)
	}
	m.creates = append(m.creates, CreateBulkCall{Body: raw, Created: created})
	writeJSON(w, http.StatusCreated, created)
}

func (m *MockServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body updateBody
	raw, err := decodeBody(r, &body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	updated := make([]models.Measurement, 0, len(body.Measurements))
	ids := make([]int, 0, len(body.Measurements))
	for _, rec := range body.Measurements {
		row, ok := m.rows[rec.ID]
		if !ok {
			row = models.Measurement{ID: rec.ID}
		}
		row.Value = rec.Value
		m.rows[rec.ID] = row
		updated = append(updated, row)
		ids = append(ids, rec.ID)
	}
	m.updates = append(m.updates, UpdateBulkCall{Body: raw, IDs: ids})
	writeJSON(w, http.StatusOK, updated)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorBody{
		StatusCode: code,
		Message:    message,
		Error:      http.StatusText(code),
	})
}
