// Package servicetest provides an in-process fake of the visual service for tests.
package servicetest

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
)

// DefaultIdent is the ident field list served by GET /ident.
var DefaultIdent = []string{"name", "viewport", "browserName", "os", "app", "branch"}

// Request is one recorded call to the fake service.
type Request struct {
	Method  string
	Path    string
	APIKey  string
	Fields  map[string]string
	Query   url.Values
	File    []byte
	HasFile bool
}

// HandlerFunc answers a request with a status code and a body. A string
// body is written verbatim, anything else is JSON encoded.
type HandlerFunc func(Request) (int, any)

type route struct {
	method string
	prefix string
	fn     HandlerFunc
}

// Server is an httptest server mimicking the visual service routes.
type Server struct {
	server *httptest.Server

	mu       sync.Mutex
	routes   []route
	requests []Request
	checkSeq int
}

// New starts a fake service with default handlers and closes it on cleanup.
func New(t *testing.T) *Server {
	t.Helper()

	s := &Server{}
	s.Handle(http.MethodPost, "/tests", func(Request) (int, any) {
		return http.StatusOK, map[string]any{"_id": "session-1", "status": "Running"}
	})
	s.Handle(http.MethodPut, "/tests/", func(r Request) (int, any) {
		id := strings.TrimPrefix(r.Path, "/tests/")
		return http.StatusOK, map[string]any{"_id": id, "status": r.Fields["status"]}
	})
	s.Handle(http.MethodPost, "/checks", func(Request) (int, any) {
		return http.StatusOK, map[string]any{"_id": s.nextCheckID(), "status": "new"}
	})
	s.Handle(http.MethodPost, "/session/", func(r Request) (int, any) {
		return http.StatusOK, map[string]any{"_id": strings.TrimPrefix(r.Path, "/session/")}
	})
	s.Handle(http.MethodGet, "/checks/byident/", func(Request) (int, any) {
		return http.StatusOK, map[string]any{}
	})
	s.Handle(http.MethodGet, "/ident", func(Request) (int, any) {
		return http.StatusOK, DefaultIdent
	})
	s.Handle(http.MethodGet, "/check_if_screenshot_has_baselines", func(Request) (int, any) {
		return http.StatusOK, map[string]any{}
	})

	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.server.Close)
	return s
}

// BaseURL returns the service root, ending in a slash.
func (s *Server) BaseURL() string {
	return s.server.URL + "/"
}

// Client returns an HTTP client wired to the fake server.
func (s *Server) Client() *http.Client {
	return s.server.Client()
}

// Handle registers fn for method and path prefix. The longest matching prefix wins.
func (s *Server) Handle(method, prefix string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.routes {
		if existing.method == method && existing.prefix == prefix {
			s.routes[i].fn = fn
			return
		}
	}
	s.routes = append(s.routes, route{method: method, prefix: prefix, fn: fn})
	sort.SliceStable(s.routes, func(i, j int) bool {
		return len(s.routes[i].prefix) > len(s.routes[j].prefix)
	})
}

// Requests returns a copy of every recorded request.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestsTo returns recorded requests for method whose path starts with prefix.
func (s *Server) RequestsTo(method, prefix string) []Request {
	matched := []Request{}
	for _, req := range s.Requests() {
		if req.Method == method && strings.HasPrefix(req.Path, prefix) {
			matched = append(matched, req)
		}
	}
	return matched
}

func (s *Server) nextCheckID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkSeq++
	return fmt.Sprintf("check-%d", s.checkSeq)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	recorded, err := readRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, recorded)
	var handler HandlerFunc
	for _, candidate := range s.routes {
		if candidate.method != r.Method {
			continue
		}
		if recorded.Path == candidate.prefix || strings.HasPrefix(recorded.Path, candidate.prefix) {
			handler = candidate.fn
			break
		}
	}
	s.mu.Unlock()

	if handler == nil {
		http.NotFound(w, r)
		return
	}

	status, body := handler(recorded)
	if text, ok := body.(string); ok {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, text)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func readRequest(r *http.Request) (Request, error) {
	recorded := Request{
		Method: r.Method,
		Path:   r.URL.Path,
		APIKey: r.Header.Get("apikey"),
		Fields: map[string]string{},
		Query:  r.URL.Query(),
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return recorded, nil
	}

	reader := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return recorded, fmt.Errorf("read multipart: %w", err)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return recorded, fmt.Errorf("read part %s: %w", part.FormName(), err)
		}
		if part.FileName() != "" {
			recorded.File = data
			recorded.HasFile = true
			continue
		}
		recorded.Fields[part.FormName()] = string(data)
	}
	return recorded, nil
}

// Groups builds a checks-by-ident body from group name/status pairs.
func Groups(pairs ...string) map[string]any {
	groups := map[string]any{}
	for i := 0; i+1 < len(pairs); i += 2 {
		groups[pairs[i]] = map[string]any{"status": pairs[i+1], "checks": []any{}}
	}
	return groups
}
