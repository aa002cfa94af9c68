package notion

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MockBotID is the user ID the mock server reports for the integration.
const MockBotID = "bot-ghnotion"

const mockTimestamp = "2024-01-01T00:00:00.000Z"

// MockPage is a stored page of the mock server.
type MockPage struct {
	ID         string
	DatabaseID string
	Properties map[string]map[string]any
	Children   []json.RawMessage
}

// MockComment is a stored comment of the mock server.
type MockComment struct {
	ID       string
	AuthorID string
	Text     string
	Segments []MockSegment // rich text as posted; nil for seeded comments
}

// MockSegment is one rich text run of a posted comment.
type MockSegment struct {
	Content string
	Link    string
	Bold    bool
}

type injectedError struct {
	method string
	prefix string
	status int
	times  int // -1 for every matching request
}

// MockServer provides a fake Notion API for testing. Pages live in memory,
// keyed by database, and are returned in creation order.
type MockServer struct {
	*httptest.Server
	mu       sync.Mutex
	pages    map[string]*MockPage
	order    []string
	comments map[string][]MockComment
	nextID   int
	errors   []*injectedError
	calls    map[string]int

	// QueryPageSize caps the rows returned per database query.
	QueryPageSize int
}

// NewMockServer creates a mock Notion API server.
func NewMockServer() *MockServer {
	m := &MockServer{
		pages:         make(map[string]*MockPage),
		comments:      make(map[string][]MockComment),
		calls:         make(map[string]int),
		QueryPageSize: 100,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/databases/", m.handleQuery)
	mux.HandleFunc("/v1/pages", m.handleCreatePage)
	mux.HandleFunc("/v1/pages/", m.handlePage)
	mux.HandleFunc("/v1/blocks/", m.handleAppend)
	mux.HandleFunc("/v1/comments", m.handleComments)
	mux.HandleFunc("/v1/users/me", func(w http.ResponseWriter, r *http.Request) {
		if m.intercept(w, r) {
			return
		}
		writeJSON(w, map[string]any{"object": "user", "id": MockBotID, "type": "bot", "name": "ghnotion", "bot": map[string]any{}})
	})

	m.Server = httptest.NewServer(mux)
	return m
}

// HTTPClient returns a client that sends api.notion.com traffic to the mock.
func (m *MockServer) HTTPClient() *http.Client {
	target, _ := url.Parse(m.URL)
	return &http.Client{Transport: &rewriteTransport{target: target, base: http.DefaultTransport}}
}

type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	r.Host = t.target.Host
	return t.base.RoundTrip(r)
}

// AddPage stores a page in databaseID and returns its ID.
func (m *MockServer) AddPage(databaseID string, props map[string]map[string]any) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addPageLocked(databaseID, props, nil)
}

// AddRow stores a page whose keyProperty holds key.
func (m *MockServer) AddRow(databaseID, keyProperty string, key int) string {
	return m.AddPage(databaseID, map[string]map[string]any{
		keyProperty: {"type": "number", "number": key},
	})
}

// FailRequests makes the next times requests matching method and path prefix
// fail with status. times of -1 fails every matching request.
func (m *MockServer) FailRequests(method, pathPrefix string, status, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, &injectedError{method: method, prefix: pathPrefix, status: status, times: times})
}

// Pages returns the pages of databaseID in creation order.
func (m *MockServer) Pages(databaseID string) []MockPage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockPage
	for _, id := range m.order {
		if p := m.pages[id]; p.DatabaseID == databaseID {
			out = append(out, *p)
		}
	}
	return out
}

// Page returns one stored page.
func (m *MockServer) Page(id string) (MockPage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[id]
	if !ok {
		return MockPage{}, false
	}
	return *p, true
}

// Comments returns the comments posted on a page.
func (m *MockServer) Comments(pageID string) []MockComment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockComment(nil), m.comments[pageID]...)
}

// AddComment stores a comment authored by authorID.
func (m *MockServer) AddComment(pageID, authorID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.comments[pageID] = append(m.comments[pageID], MockComment{ID: fmt.Sprintf("comment%04d", m.nextID), AuthorID: authorID, Text: text})
}

// Calls returns how many requests were served for "METHOD /path-prefix",
// e.g. Calls("POST", "/v1/pages").
func (m *MockServer) Calls(method, pathPrefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, c := range m.calls {
		meth, path, _ := strings.Cut(key, " ")
		if meth == method && strings.HasPrefix(path, pathPrefix) {
			n += c
		}
	}
	return n
}

func (m *MockServer) addPageLocked(databaseID string, props map[string]map[string]any, children []json.RawMessage) string {
	m.nextID++
	id := fmt.Sprintf("page%04d", m.nextID)
	p := &MockPage{ID: id, DatabaseID: databaseID, Properties: map[string]map[string]any{}, Children: children}
	for name, v := range props {
		p.Properties[name] = withID(name, v)
	}
	m.pages[id] = p
	m.order = append(m.order, id)
	return id
}

func withID(name string, v map[string]any) map[string]any {
	out := make(map[string]any, len(v)+1)
	for k, val := range v {
		out[k] = val
	}
	if _, ok := out["id"]; !ok {
		out["id"] = url.PathEscape(name)
	}
	return out
}

// intercept records the call and serves an injected error if one matches.
func (m *MockServer) intercept(w http.ResponseWriter, r *http.Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[r.Method+" "+r.URL.Path]++
	for _, e := range m.errors {
		if e.times == 0 || e.method != r.Method || !strings.HasPrefix(r.URL.Path, e.prefix) {
			continue
		}
		if e.times > 0 {
			e.times--
		}
		writeError(w, e.status, "injected failure")
		return true
	}
	return false
}

func (m *MockServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/databases/")
	dbID, action, _ := strings.Cut(rest, "/")
	if r.Method != http.MethodPost || action != "query" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	var req struct {
		StartCursor string `json:"start_cursor"`
		PageSize    int    `json:"page_size"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, id := range m.order {
		if m.pages[id].DatabaseID == dbID {
			ids = append(ids, id)
		}
	}
	size := m.QueryPageSize
	if req.PageSize > 0 && req.PageSize < size {
		size = req.PageSize
	}
	start, _ := strconv.Atoi(req.StartCursor)
	start = min(start, len(ids))
	end := min(start+size, len(ids))

	results := make([]map[string]any, 0, end-start)
	for _, id := range ids[start:end] {
		results = append(results, pageJSON(m.pages[id]))
	}
	resp := map[string]any{"object": "list", "results": results, "has_more": end < len(ids), "next_cursor": nil}
	if end < len(ids) {
		resp["next_cursor"] = strconv.Itoa(end)
	}
	writeJSON(w, resp)
}

func (m *MockServer) handleCreatePage(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Parent struct {
			DatabaseID string `json:"database_id"`
		} `json:"parent"`
		Properties map[string]map[string]any `json:"properties"`
		Children   []json.RawMessage         `json:"children"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Parent.DatabaseID == "" {
		writeError(w, http.StatusBadRequest, "parent.database_id is required")
		return
	}
	if len(req.Children) > MaxBlocksPerRequest {
		writeError(w, http.StatusBadRequest, "body.children.length should be ≤ 100")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.addPageLocked(req.Parent.DatabaseID, req.Properties, req.Children)
	writeJSON(w, pageJSON(m.pages[id]))
}

func (m *MockServer) handlePage(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/pages/")

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[id]
	if !ok {
		writeError(w, http.StatusNotFound, "Could not find page with ID: "+id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, pageJSON(p))
	case http.MethodPatch:
		var req struct {
			Properties map[string]map[string]any `json:"properties"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		for name, v := range req.Properties {
			p.Properties[name] = withID(name, v)
		}
		writeJSON(w, pageJSON(p))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (m *MockServer) handleAppend(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/blocks/")
	id, action, _ := strings.Cut(rest, "/")
	if r.Method != http.MethodPatch || action != "children" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var req struct {
		Children []json.RawMessage `json:"children"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Children) > MaxBlocksPerRequest {
		writeError(w, http.StatusBadRequest, "body.children.length should be ≤ 100")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[id]
	if !ok {
		writeError(w, http.StatusNotFound, "Could not find block with ID: "+id)
		return
	}
	p.Children = append(p.Children, req.Children...)
	writeJSON(w, map[string]any{"object": "list", "results": []any{}, "has_more": false, "next_cursor": nil})
}

func (m *MockServer) handleComments(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		pageID := r.URL.Query().Get("block_id")
		m.mu.Lock()
		list := append([]MockComment(nil), m.comments[pageID]...)
		m.mu.Unlock()
		results := make([]map[string]any, 0, len(list))
		for _, c := range list {
			results = append(results, commentJSON(pageID, c))
		}
		writeJSON(w, map[string]any{"object": "list", "results": results, "has_more": false, "next_cursor": nil})
	case http.MethodPost:
		var req struct {
			Parent struct {
				PageID string `json:"page_id"`
			} `json:"parent"`
			RichText []struct {
				Text struct {
					Content string `json:"content"`
					Link    *struct {
						URL string `json:"url"`
					} `json:"link"`
				} `json:"text"`
				Annotations *struct {
					Bold bool `json:"bold"`
				} `json:"annotations"`
			} `json:"rich_text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var text strings.Builder
		segments := make([]MockSegment, 0, len(req.RichText))
		for _, rt := range req.RichText {
			text.WriteString(rt.Text.Content)
			seg := MockSegment{Content: rt.Text.Content}
			if rt.Text.Link != nil {
				seg.Link = rt.Text.Link.URL
			}
			if rt.Annotations != nil {
				seg.Bold = rt.Annotations.Bold
			}
			segments = append(segments, seg)
		}
		m.mu.Lock()
		if _, ok := m.pages[req.Parent.PageID]; !ok {
			m.mu.Unlock()
			writeError(w, http.StatusNotFound, "Could not find page with ID: "+req.Parent.PageID)
			return
		}
		m.nextID++
		c := MockComment{ID: fmt.Sprintf("comment%04d", m.nextID), AuthorID: MockBotID, Text: text.String(), Segments: segments}
		m.comments[req.Parent.PageID] = append(m.comments[req.Parent.PageID], c)
		m.mu.Unlock()
		writeJSON(w, commentJSON(req.Parent.PageID, c))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func pageJSON(p *MockPage) map[string]any {
	names := make([]string, 0, len(p.Properties))
	for name := range p.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	props := make(map[string]any, len(names))
	for _, name := range names {
		props[name] = p.Properties[name]
	}
	return map[string]any{
		"object":           "page",
		"id":               p.ID,
		"created_time":     mockTimestamp,
		"last_edited_time": mockTimestamp,
		"created_by":       map[string]any{"object": "user", "id": MockBotID},
		"last_edited_by":   map[string]any{"object": "user", "id": MockBotID},
		"parent":           map[string]any{"type": "database_id", "database_id": p.DatabaseID},
		"archived":         false,
		"properties":       props,
		"url":              "https://www.notion.so/" + p.ID,
	}
}

func commentJSON(pageID string, c MockComment) map[string]any {
	return map[string]any{
		"object":           "comment",
		"id":               c.ID,
		"parent":           map[string]any{"type": "page_id", "page_id": pageID},
		"discussion_id":    "discussion-" + pageID,
		"created_time":     mockTimestamp,
		"last_edited_time": mockTimestamp,
		"created_by":       map[string]any{"object": "user", "id": c.AuthorID},
		"rich_text": []any{map[string]any{
			"type":       "text",
			"text":       map[string]any{"content": c.Text},
			"plain_text": c.Text,
		}},
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"object":  "error",
		"status":  status,
		"code":    http.StatusText(status),
		"message": msg,
	})
}
