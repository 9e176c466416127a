package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var res response
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := New(Checker{Name: "broken", Check: func(context.Context) error {
		return errors.New("down")
	}})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if res := decode(t, rec); res.Status != "ok" {
		t.Errorf("expected status ok, got %q", res.Status)
	}
}

func TestReadyzAllPassing(t *testing.T) {
	h := New(
		LinkChecker(func() bool { return true }),
		AudioChecker(func() bool { return true }),
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	res := decode(t, rec)
	if res.Status != "ok" {
		t.Errorf("expected status ok, got %q", res.Status)
	}
	if res.Checks["link"] != "ok" || res.Checks["audio"] != "ok" {
		t.Errorf("unexpected checks: %v", res.Checks)
	}
}

func TestReadyzFailingChecker(t *testing.T) {
	h := New(
		LinkChecker(func() bool { return false }),
		AudioChecker(func() bool { return true }),
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	res := decode(t, rec)
	if res.Status != "fail" {
		t.Errorf("expected status fail, got %q", res.Status)
	}
	if res.Checks["link"] != "fail: keep-alive probe missed its reply" {
		t.Errorf("unexpected link check: %q", res.Checks["link"])
	}
	if res.Checks["audio"] != "ok" {
		t.Errorf("unexpected audio check: %q", res.Checks["audio"])
	}
}

func TestAudioCheckerUnavailable(t *testing.T) {
	c := AudioChecker(func() bool { return false })
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected error for unavailable audio")
	}
}

func TestRegisterRoutes(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}
