package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/pairsync/internal/auth"
	"github.com/danmuck/pairsync/internal/docstore"
	"github.com/danmuck/pairsync/internal/identity"
	"github.com/danmuck/pairsync/internal/projection"
	"github.com/danmuck/pairsync/internal/setup"
	"github.com/danmuck/pairsync/internal/testutil/testlog"
	"github.com/danmuck/pairsync/internal/testutil/tlstest"
	"github.com/gin-gonic/gin"
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	roster, err := identity.NewRoster(identity.Pairing{ID: "p1", A: "alice", B: "bob"})
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	store := docstore.NewMemory()
	engine := setup.NewEngine(store, roster)
	projector := projection.NewProjector(engine)
	t.Cleanup(func() {
		projector.Close()
		_ = store.Close()
	})
	return New(engine, projector, opts)
}

type response struct {
	code int
	body map[string]any
}

func do(t *testing.T, s *Server, method, path, user, body string) response {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(HeaderUser, user)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	out := response{code: rr.Code}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &out.body); err != nil {
			t.Fatalf("%s %s: decode body: %v (%s)", method, path, err, rr.Body.String())
		}
	}
	return out
}

func expect(t *testing.T, got response, code int, field string, want any) {
	t.Helper()
	if got.code != code {
		t.Fatalf("status %d want %d body=%v", got.code, code, got.body)
	}
	if field != "" && got.body[field] != want {
		t.Fatalf("%s=%v want %v body=%v", field, got.body[field], want, got.body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, Options{})
	expect(t, do(t, s, http.MethodGet, "/health", "", ""), http.StatusOK, "status", "ok")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "pairsync_http_requests_total") {
		t.Fatalf("metrics endpoint: %d", rr.Code)
	}
}

func TestSetupRoutesNegotiate(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, Options{})
	base := "/pairings/p1/setup"

	expect(t, do(t, s, http.MethodGet, base, "", ""), http.StatusUnauthorized, "code", "no_user")
	expect(t, do(t, s, http.MethodGet, base, "mallory", ""), http.StatusForbidden, "code", "no_role")
	expect(t, do(t, s, http.MethodGet, "/pairings/nope/setup", "alice", ""), http.StatusForbidden, "code", "no_role")

	view := do(t, s, http.MethodGet, base, "alice", "")
	expect(t, view, http.StatusOK, "phase", "awaitingASubmission")
	if view.body["canSubmit"] != true || view.body["myRole"] != "A" {
		t.Fatalf("unexpected initial view %v", view.body)
	}

	expect(t, do(t, s, http.MethodPost, base+"/submit", "bob", `{"startMinutes":1,"endMinutes":2}`), http.StatusConflict, "code", "out_of_turn")
	expect(t, do(t, s, http.MethodPost, base+"/submit", "alice", `{`), http.StatusBadRequest, "code", "invalid_payload")
	expect(t, do(t, s, http.MethodPost, base+"/submit", "alice", `{"startMinutes":"late"}`), http.StatusBadRequest, "code", "invalid_payload")

	submitted := do(t, s, http.MethodPost, base+"/submit", "alice", `{"startMinutes":1260,"endMinutes":420}`)
	expect(t, submitted, http.StatusOK, "phase", "awaitingBApproval")
	answer, ok := submitted.body["myAnswer"].(map[string]any)
	if !ok || answer["startMinutes"] != float64(1260) {
		t.Fatalf("unexpected answer %v", submitted.body["myAnswer"])
	}

	approved := do(t, s, http.MethodPost, base+"/approve", "bob", "")
	expect(t, approved, http.StatusOK, "phase", "awaitingBSubmission")
	if approved.body["partnerUserId"] != "alice" || approved.body["myApproved"] != true {
		t.Fatalf("unexpected approve view %v", approved.body)
	}
	expect(t, do(t, s, http.MethodPost, base+"/approve", "bob", ""), http.StatusConflict, "code", "out_of_turn")
	expect(t, do(t, s, http.MethodPost, base+"/advance", "alice", ""), http.StatusConflict, "code", "step_not_complete")

	expect(t, do(t, s, http.MethodPost, base+"/submit", "bob", `{"startMinutes":1320,"endMinutes":360}`), http.StatusOK, "phase", "awaitingAApproval")
	done := do(t, s, http.MethodPost, base+"/approve", "alice", "")
	expect(t, done, http.StatusOK, "phase", "complete")
	if _, ok := done.body["completedAt"]; !ok {
		t.Fatalf("completedAt missing from %v", done.body)
	}
	expect(t, do(t, s, http.MethodPost, base+"/advance", "bob", ""), http.StatusOK, "step", "appSelection")
}

func TestIntentRateLimit(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, Options{IntentsPerSecond: 0.001, Burst: 1})
	base := "/pairings/p1/setup"
	expect(t, do(t, s, http.MethodPost, base+"/approve", "bob", ""), http.StatusConflict, "", nil)
	expect(t, do(t, s, http.MethodPost, base+"/approve", "bob", ""), http.StatusTooManyRequests, "code", "rate_limited")
	// Limits are per user.
	expect(t, do(t, s, http.MethodPost, base+"/approve", "alice", ""), http.StatusConflict, "", nil)
	// Reads are not limited.
	expect(t, do(t, s, http.MethodGet, base, "bob", ""), http.StatusOK, "", nil)
}

func TestStreamPushesViews(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, Options{})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/pairings/p1/setup/stream", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set(HeaderUser, "bob")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", resp.StatusCode)
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	waitLine := func(substr string) {
		t.Helper()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream ended before %q", substr)
				}
				if strings.HasPrefix(line, "data:") && strings.Contains(line, substr) {
					return
				}
			case <-ctx.Done():
				t.Fatalf("timed out waiting for %q", substr)
			}
		}
	}

	waitLine(`"phase":"awaitingASubmission"`)
	submit, err := http.NewRequest(http.MethodPost, ts.URL+"/pairings/p1/setup/submit", strings.NewReader(`{"startMinutes":1260,"endMinutes":420}`))
	if err != nil {
		t.Fatalf("submit request: %v", err)
	}
	submit.Header.Set(HeaderUser, "alice")
	submitResp, err := http.DefaultClient.Do(submit)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	submitResp.Body.Close()
	if submitResp.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d", submitResp.StatusCode)
	}
	waitLine(`"canApprove":true`)
	cancel()
}

func TestStatusFor(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		err  error
		want int
	}{
		{identity.ErrNoUser, http.StatusUnauthorized},
		{fmt.Errorf("%w: %w", setup.ErrNoRole, identity.ErrUnknownPairing), http.StatusForbidden},
		{setup.TransitionError{}, http.StatusConflict},
		{setup.ErrNoProposalYet, http.StatusConflict},
		{setup.ErrSequenceFinished, http.StatusConflict},
		{fmt.Errorf("%w: %w", setup.ErrStoreUnavailable, docstore.ErrUnavailable), http.StatusServiceUnavailable},
		{setup.ErrWriteFailed, http.StatusServiceUnavailable},
		{setup.ErrDocumentMissing, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d want %d", tc.err, got, tc.want)
		}
	}
}

func TestIntentLimiter(t *testing.T) {
	testlog.Start(t)
	var disabled *IntentLimiter
	if !disabled.Allow("alice", "p1", time.Now()) || NewIntentLimiter(0, 1, 0) != nil {
		t.Fatalf("nil limiter must allow")
	}

	l := NewIntentLimiter(1, 2, time.Minute)
	now := time.Now()
	cases := []struct {
		name          string
		user, pairing string
		at            time.Time
		want          bool
	}{
		{name: "first token", user: "alice", pairing: "p1", at: now, want: true},
		{name: "second token", user: "alice", pairing: "p1", at: now, want: true},
		{name: "burst spent", user: "alice", pairing: "p1", at: now, want: false},
		{name: "other pairing has own bucket", user: "alice", pairing: "p2", at: now, want: true},
		{name: "other caller has own bucket", user: "bob", pairing: "p1", at: now, want: true},
		{name: "refilled after one second", user: "alice", pairing: "p1", at: now.Add(time.Second), want: true},
		{name: "blank caller untracked", user: " ", pairing: "p1", at: now, want: true},
		{name: "blank pairing untracked", user: "alice", pairing: "", at: now, want: true},
	}
	for _, tc := range cases {
		if got := l.Allow(tc.user, tc.pairing, tc.at); got != tc.want {
			t.Fatalf("%s: Allow(%q, %q) = %v want %v", tc.name, tc.user, tc.pairing, got, tc.want)
		}
	}
	if l.Tracked() != 3 {
		t.Fatalf("tracked %d buckets want 3", l.Tracked())
	}

	later := now.Add(time.Hour)
	for i := 0; i < sweepEvery; i++ {
		l.Allow("carol", "p9", later)
	}
	if l.Tracked() != 1 {
		t.Fatalf("idle buckets not swept: %d tracked", l.Tracked())
	}
}

func TestBearerTokenGate(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, Options{Auth: auth.StaticToken{Token: "s3cret"}})

	cases := []struct {
		header string
		want   int
	}{
		{header: "", want: http.StatusUnauthorized},
		{header: "Bearer wrong", want: http.StatusUnauthorized},
		{header: "Bearer s3cret", want: http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/pairings/p1/setup", nil)
		req.Header.Set(HeaderUser, "alice")
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rr := httptest.NewRecorder()
		s.Router().ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("authorization %q: status %d want %d (%s)", tc.header, rr.Code, tc.want, rr.Body.String())
		}
	}
	expect(t, do(t, s, http.MethodGet, "/health", "", ""), http.StatusOK, "status", "ok")
}

func TestServeTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "pairsync-test-ca")
	certFile, keyFile := ca.IssueLoopback(t)
	s := newTestServer(t, Options{CertFile: certFile, KeyFile: keyFile})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: ca.ClientConfig()},
	}
	resp, err := client.Get("https://" + ln.Addr().String() + "/health")
	if err != nil {
		cancel()
		t.Fatalf("https get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.TLS == nil {
		cancel()
		t.Fatalf("status %d tls=%v", resp.StatusCode, resp.TLS != nil)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
