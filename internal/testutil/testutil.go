// Package testutil provides shared helpers for exercising the /debug routes
// in tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// DebugRemoteAddr is a loopback client address. tsweb only serves /debug
// routes to loopback and tailnet clients.
const DebugRemoteAddr = "127.0.0.1:40000"

// NewDebugRequest creates a request that tsweb's debug handler will accept.
func NewDebugRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = DebugRemoteAddr
	return req
}

// ServeDebug sends one loopback request through h and returns the recording.
func ServeDebug(h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, NewDebugRequest(method, path, body))
	return w
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertContentType checks the media type of a response, ignoring parameters.
func AssertContentType(t *testing.T, w *httptest.ResponseRecorder, want string) {
	t.Helper()
	got := w.Header().Get("Content-Type")
	if mt, _, _ := strings.Cut(got, ";"); strings.TrimSpace(mt) != want {
		t.Errorf("Content-Type = %q, want %s", got, want)
	}
}
