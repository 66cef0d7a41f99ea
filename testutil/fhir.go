package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// FHIRRequest is one request received by FHIRServer.
type FHIRRequest struct {
	Method       string
	ResourceType string
	Header       http.Header
	Body         []byte
}

// FHIRServer is a fake FHIR API. POST /{Type} assigns "<type>-<n>" as the
// id and echoes the resource back with 201, unless a scripted status is
// queued for that resource type.
type FHIRServer struct {
	*httptest.Server

	mu       sync.Mutex
	script   map[string][]int
	requests []FHIRRequest
	created  map[string][]json.RawMessage
	seq      int
	noID     bool
}

// NewFHIRServer starts a server that is closed when t finishes.
func NewFHIRServer(t testing.TB) *FHIRServer {
	t.Helper()
	s := &FHIRServer{
		script:  make(map[string][]int),
		created: make(map[string][]json.RawMessage),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Script queues statuses returned, in order, for the next requests on
// resourceType. Requests beyond the script succeed.
func (s *FHIRServer) Script(resourceType string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script[resourceType] = append(s.script[resourceType], statuses...)
}

// OmitIDs makes successful responses carry no id.
func (s *FHIRServer) OmitIDs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noID = true
}

// Requests returns every request received so far.
func (s *FHIRServer) Requests() []FHIRRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FHIRRequest(nil), s.requests...)
}

// Calls returns the number of requests received for resourceType.
func (s *FHIRServer) Calls(resourceType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.ResourceType == resourceType {
			n++
		}
	}
	return n
}

// Created returns the stored bodies, with ids, of resources created for
// resourceType in creation order.
func (s *FHIRServer) Created(resourceType string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.created[resourceType]...)
}

func (s *FHIRServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	resourceType := strings.Trim(r.URL.Path, "/")

	s.mu.Lock()
	s.requests = append(s.requests, FHIRRequest{
		Method:       r.Method,
		ResourceType: resourceType,
		Header:       r.Header.Clone(),
		Body:         body,
	})

	status := 0
	if q := s.script[resourceType]; len(q) > 0 {
		status = q[0]
		s.script[resourceType] = q[1:]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/fhir+json")

	if r.Method != http.MethodPost {
		writeOutcome(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	if status != 0 && (status < 200 || status > 299) {
		writeOutcome(w, status, fmt.Sprintf("scripted status %d", status))
		return
	}

	var resource map[string]any
	if err := json.Unmarshal(body, &resource); err != nil {
		writeOutcome(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if rt, _ := resource["resourceType"].(string); rt != resourceType {
		writeOutcome(w, http.StatusBadRequest, fmt.Sprintf("resourceType %q does not match endpoint", rt))
		return
	}

	s.mu.Lock()
	s.seq++
	if !s.noID {
		resource["id"] = fmt.Sprintf("%s-%d", strings.ToLower(resourceType), s.seq)
	}
	out, _ := json.Marshal(resource)
	s.created[resourceType] = append(s.created[resourceType], out)
	s.mu.Unlock()

	if status == 0 {
		status = http.StatusCreated
	}
	w.WriteHeader(status)
	_, _ = w.Write(out)
}

func writeOutcome(w http.ResponseWriter, status int, diagnostics string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"resourceType": "OperationOutcome",
		"issue": []map[string]string{{
			"severity":    "error",
			"code":        "processing",
			"diagnostics": diagnostics,
		}},
	})
}
