package netutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func slowServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDirectDownloaderContextDeadlineOverridesTimeout(t *testing.T) {
	srv := slowServer(t, 80*time.Millisecond)

	d := NewDirectDownloader(nil, 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	body, err := d.Download(ctx, srv.URL)
	if err != nil {
		t.Fatalf("download should succeed with caller deadline, got err=%v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("body = %q, want ok", string(body))
	}
}

func TestDirectDownloaderTimeoutWithoutContextDeadline(t *testing.T) {
	srv := slowServer(t, 80*time.Millisecond)

	d := NewDirectDownloader(nil, 20*time.Millisecond)
	_, err := d.Download(context.Background(), srv.URL)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDirectDownloaderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDirectDownloader(nil, time.Second)
	_, err := d.Download(context.Background(), srv.URL)
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status error with 403, got %v", err)
	}
}

func TestDirectDownloaderBadURLIsNonRetryable(t *testing.T) {
	d := NewDirectDownloader(nil, time.Second)
	_, err := d.Download(context.Background(), "http://bad url/")
	var nonRetryable *NonRetryableError
	if !errors.As(err, &nonRetryable) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
}

func TestDirectDownloaderSetsUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	d := NewDirectDownloader(nil, time.Second)
	d.UserAgent = "shunt-test/1"
	body, err := d.Download(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "shunt-test/1" {
		t.Errorf("user agent = %q, want shunt-test/1", string(body))
	}
}
