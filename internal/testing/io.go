package testing

import (
	"errors"
	"net/http"
	"os"
	"sync"
	"testing"
)

// ErrInjected is returned by the failing doubles when no error is configured.
var ErrInjected = errors.New("injected failure")

// FailingWriter rejects every write, standing in for a closed report file or output stream.
type FailingWriter struct {
	Err error
}

func (w *FailingWriter) Write([]byte) (int, error) {
	if w.Err != nil {
		return 0, w.Err
	}
	return 0, ErrInjected
}

// FailingBody is a response body that fails on first read.
type FailingBody struct {
	Err error
}

func (b *FailingBody) Read([]byte) (int, error) {
	if b.Err != nil {
		return 0, b.Err
	}
	return 0, ErrInjected
}

func (b *FailingBody) Close() error { return nil }

// StaticTransport answers every request with the same response or error and records what was sent.
type StaticTransport struct {
	Response *http.Response
	Err      error

	mu       sync.Mutex
	requests []*http.Request
}

func (s *StaticTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.Response, s.Err
}

// Requests returns the requests seen so far.
func (s *StaticTransport) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.requests...)
}

// ReadReport returns the contents of a report file written during a test.
func ReadReport(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read report %s: %v", path, err)
	}
	return string(content)
}
