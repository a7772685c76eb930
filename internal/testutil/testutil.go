package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// MockTime is a settable clock. Pass its Now method wherever a component
// accepts a time source.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates an S256 challenge and its verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// HTTPRequest builds a request for an http.Handler under test.
//
//	rr := testutil.NewHTTPRequest(http.MethodPost, "/login/start/").
//		WithJSON(`{"email":"a@b.c","client_request":"..."}`).
//		Do(routes)
type HTTPRequest struct {
	method string
	target string
	header http.Header
	body   string
}

func NewHTTPRequest(method, target string) *HTTPRequest {
	return &HTTPRequest{method: method, target: target, header: http.Header{}}
}

func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.header.Set(key, value)
	return r
}

func (r *HTTPRequest) WithJSON(body string) *HTTPRequest {
	r.body = body
	return r.WithHeader("Content-Type", "application/json")
}

func (r *HTTPRequest) WithForm(values url.Values) *HTTPRequest {
	r.body = values.Encode()
	return r.WithHeader("Content-Type", "application/x-www-form-urlencoded")
}

// Do serves the request with handler and returns the recorded response.
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(r.method, r.target, strings.NewReader(r.body))
	req.Header = r.header.Clone()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
