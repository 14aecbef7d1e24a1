package specfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testFetcher(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Fetcher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithHTTPClient(srv.Client())}, opts...)
	return New(opts...), srv
}

func TestFetchOK(t *testing.T) {
	f, srv := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		_, _ = w.Write([]byte(`{"openapi":"3.0.0"}`))
	})

	body, err := f.Fetch(context.Background(), srv.URL+"/openapi.json")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != `{"openapi":"3.0.0"}` {
		t.Errorf("body = %s", body)
	}
}

func TestFetchNon200(t *testing.T) {
	f, srv := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})

	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("404 response accepted")
	}
}

func TestFetchDeclaredTooLarge(t *testing.T) {
	f, srv := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "9999999")
		w.WriteHeader(http.StatusOK)
		// Never actually send that much.
		_, _ = w.Write([]byte("{}"))
	})

	_, err := f.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestFetchStreamedTooLarge(t *testing.T) {
	// No Content-Length; the body itself overruns the cap.
	big := strings.Repeat("x", MaxSpecBytes+10)
	f, srv := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Transfer-Encoding", "chunked")
		_, _ = w.Write([]byte(big))
	})

	_, err := f.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestFetchTimeout(t *testing.T) {
	f, srv := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}, WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := f.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("slow upstream did not time out")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
}

func TestFetchRedirectNotFollowed(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	// Default-shaped client minus the guarded dialer, since the test
	// server lives on loopback.
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	f := New(WithHTTPClient(client))

	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("redirect response accepted")
	}
	if hits != 1 {
		t.Errorf("upstream hit %d times, want 1", hits)
	}
}

func TestDefaultClientBlocksLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("guarded client reached loopback upstream")
	}))
	t.Cleanup(srv.Close)

	f := New(WithTimeout(time.Second))
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("guarded fetch to 127.0.0.1 succeeded")
	}
}
