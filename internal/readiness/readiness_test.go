package readiness

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestAwaitForcesReadyAndWritesLatch(t *testing.T) {
	latch := filepath.Join(t.TempDir(), "state", "inference.ready")
	var calls int32
	check := func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("connection refused")
	}
	result, err := Await(context.Background(), check, Options{MaxRetries: 4, RetryInterval: time.Millisecond, LatchPath: latch})
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !result.Ready || !result.Forced {
		t.Fatalf("expected forced readiness, got %+v", result)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
	if result.Attempts != 4 {
		t.Fatalf("expected result to record 4 attempts, got %d", result.Attempts)
	}
	if _, err := os.Stat(latch); err != nil {
		t.Fatalf("expected latch file: %v", err)
	}
}

func TestAwaitSucceedsOnThirdAttemptWithoutLatch(t *testing.T) {
	latch := filepath.Join(t.TempDir(), "ready.latch")
	var calls int32
	check := func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}
	result, err := Await(context.Background(), check, Options{MaxRetries: 10, RetryInterval: time.Millisecond, LatchPath: latch})
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !result.Ready || result.Forced || result.Latched {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	if _, err := os.Stat(latch); !os.IsNotExist(err) {
		t.Fatalf("latch must not be created on genuine readiness, stat err=%v", err)
	}
}

func TestAwaitStaleLatchShortCircuits(t *testing.T) {
	latch := filepath.Join(t.TempDir(), "ready.latch")
	if err := os.WriteFile(latch, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	check := func(context.Context) error {
		t.Fatalf("check must not run while latch exists")
		return nil
	}
	result, err := Await(context.Background(), check, Options{MaxRetries: 3, LatchPath: latch})
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !result.Ready || !result.Latched || result.Attempts != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestAwaitHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	check := func(context.Context) error {
		attempts++
		cancel()
		return errors.New("down")
	}
	result, err := Await(ctx, check, Options{MaxRetries: 5, RetryInterval: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.Ready {
		t.Fatalf("cancelled gate must not report ready")
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestAwaitReportsAttempts(t *testing.T) {
	var seen []int
	_, err := Await(context.Background(), func(context.Context) error { return errors.New("x") }, Options{
		MaxRetries: 2,
		OnAttempt:  func(attempt int, err error) { seen = append(seen, attempt) },
	})
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("unexpected attempts %v", seen)
	}
}

func TestHTTPCheck(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	check := HTTPCheck(srv.URL+"/api/tags", srv.Client())
	if err := check(context.Background()); err == nil {
		t.Fatalf("expected 503 to be not ready")
	}
	healthy.Store(true)
	if err := check(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
}

func TestHTTPCheckTreatsTransportErrorAsNotReady(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	if err := HTTPCheck(url, nil)(context.Background()); err == nil {
		t.Fatalf("expected closed server to be not ready")
	}
}

func TestFileCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker")
	check := FileCheck(path)
	if err := check(context.Background()); err == nil {
		t.Fatalf("expected missing marker to be not ready")
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := check(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
}
