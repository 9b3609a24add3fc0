package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "feedrelay/pkg/logx"
)

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not bind")
	return ""
}

func get(t *testing.T, url, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServesStatusWithToken(t *testing.T) {
	t.Parallel()

	status := func(context.Context) any { return map[string]int{"feeds": 3} }
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, status, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	base := "http://" + waitAddr(t, s)

	if resp := get(t, base+"/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz=%d", resp.StatusCode)
	}
	if resp := get(t, base+"/status", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token=%d", resp.StatusCode)
	}
	resp := get(t, base+"/status", "s3cret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var body map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["feeds"] != 3 {
		t.Fatalf("body=%v err=%v", body, err)
	}
	if resp := get(t, base+"/debug/pprof/cmdline?token=s3cret", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof=%d", resp.StatusCode)
	}
}

func TestReconfigureStops(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	s.Start(context.Background())
	waitAddr(t, s)

	s.Reconfigure(context.Background(), Config{Enabled: false})
	if a := s.Addr(); a != "" {
		t.Fatalf("still bound at %s", a)
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	time.Sleep(100 * time.Millisecond)
	if a := s.Addr(); a != "" {
		t.Fatalf("bound at %s", a)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{":6060", false},
		{"0.0.0.0:6060", false},
		{"10.0.0.5:6060", false},
		{"nonsense", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("isLoopbackAddr(%q)=%v want %v", tt.addr, got, tt.want)
		}
	}
}

func TestWithAuthTokens(t *testing.T) {
	t.Parallel()

	h := withAuth("s3cret", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	tests := []struct {
		name   string
		target string
		bearer string
		want   int
	}{
		{"bearer", "/status", "s3cret", http.StatusNoContent},
		{"query", "/status?token=s3cret", "", http.StatusNoContent},
		{"missing", "/status", "", http.StatusUnauthorized},
		{"same length", "/status", "s3creT", http.StatusUnauthorized},
		{"prefix", "/status?token=s3c", "", http.StatusUnauthorized},
		{"longer", "/status", "s3cret!", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.target, nil)
		if tt.bearer != "" {
			req.Header.Set("Authorization", "Bearer "+tt.bearer)
		}
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != tt.want {
			t.Fatalf("%s: code=%d want %d", tt.name, rec.Code, tt.want)
		}
	}
}
