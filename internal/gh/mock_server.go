package gh

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/go-github/v84/github"
)

// MockServer provides a fake GitHub REST and GraphQL API for testing.
type MockServer struct {
	*httptest.Server
	mu          sync.Mutex
	issues      []*github.Issue
	pulls       []*github.PullRequest
	discussions []Discussion
	requests    []string

	nextErrStatus int
	nextErrBody   string
}

// NewMockServer creates a mock GitHub API server.
func NewMockServer() *MockServer {
	m := &MockServer{}

	mux := http.NewServeMux()

	// REST: /repos/{owner}/{repo}/issues and /repos/{owner}/{repo}/pulls
	mux.HandleFunc("/repos/", func(w http.ResponseWriter, r *http.Request) {
		if m.consumeError(w, r) {
			return
		}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/repos/"), "/")
		if len(parts) != 3 || r.Method != http.MethodGet {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		switch parts[2] {
		case "issues":
			writePage(w, r, m.issues)
		case "pulls":
			writePage(w, r, m.pulls)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	})

	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		if m.consumeError(w, r) {
			return
		}
		m.handleGraphQL(w, r)
	})

	m.Server = httptest.NewServer(mux)
	return m
}

// AddIssue appends an issue (or pull-request-shaped issue) to the issues list.
func (m *MockServer) AddIssue(issue *github.Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues = append(m.issues, issue)
}

// AddPullRequest appends a pull request to the pulls list.
func (m *MockServer) AddPullRequest(pr *github.PullRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulls = append(m.pulls, pr)
}

// AddDiscussion appends a discussion to the GraphQL discussions list.
func (m *MockServer) AddDiscussion(d Discussion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discussions = append(m.discussions, d)
}

// SetNextError makes the next request fail with status and body.
func (m *MockServer) SetNextError(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextErrStatus = status
	m.nextErrBody = body
}

// Requests returns the request URIs served so far.
func (m *MockServer) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

func (m *MockServer) consumeError(w http.ResponseWriter, r *http.Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, r.URL.RequestURI())
	if m.nextErrStatus == 0 {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(m.nextErrStatus)
	fmt.Fprint(w, m.nextErrBody)
	m.nextErrStatus = 0
	m.nextErrBody = ""
	return true
}

// writePage serves items[page] using the page and per_page query parameters
// and advertises the next page in a Link header the way GitHub does.
func writePage[T any](w http.ResponseWriter, r *http.Request, items []T) {
	q := r.URL.Query()
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	if perPage <= 0 {
		perPage = 30
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if page <= 0 {
		page = 1
	}

	start := min((page-1)*perPage, len(items))
	end := min(start+perPage, len(items))

	if end < len(items) {
		next := url.Values{}
		for k, v := range q {
			next[k] = v
		}
		next.Set("page", strconv.Itoa(page+1))
		link := fmt.Sprintf("http://%s%s?%s", r.Host, r.URL.Path, next.Encode())
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, link))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items[start:end])
}

type graphqlDiscussion struct {
	Number   int    `json:"number"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	URL      string `json:"url"`
	Closed   bool   `json:"closed"`
	Category struct {
		Name string `json:"name"`
	} `json:"category"`
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
}

func (m *MockServer) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !strings.Contains(req.Query, "discussions") {
		http.Error(w, "unsupported query", http.StatusBadRequest)
		return
	}

	first := 100
	if f, ok := req.Variables["first"].(float64); ok && f > 0 {
		first = int(f)
	}
	start := 0
	if c, ok := req.Variables["cursor"].(string); ok && c != "" {
		start, _ = strconv.Atoi(c)
	}

	m.mu.Lock()
	start = min(start, len(m.discussions))
	end := min(start+first, len(m.discussions))
	nodes := make([]graphqlDiscussion, 0, end-start)
	for _, d := range m.discussions[start:end] {
		n := graphqlDiscussion{Number: d.Number, Title: d.Title, Body: d.Body, URL: d.URL, Closed: d.Closed}
		n.Category.Name = d.Category.Name
		n.Author.Login = d.Author.Login
		nodes = append(nodes, n)
	}
	hasNext := end < len(m.discussions)
	m.mu.Unlock()

	resp := map[string]any{
		"data": map[string]any{
			"repository": map[string]any{
				"discussions": map[string]any{
					"nodes": nodes,
					"pageInfo": map[string]any{
						"endCursor":   strconv.Itoa(end),
						"hasNextPage": hasNext,
					},
				},
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
