package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestRequestJSONRetryPolicy exercises the status-based retry rules:
// 5xx responses are retried up to the budget, 4xx never are.
func TestRequestJSONRetryPolicy(t *testing.T) {
	cases := []struct {
		name         string
		serve        func(attempt int, w http.ResponseWriter)
		retries      int
		wantStatus   int
		wantBody     string
		wantAttempts int
	}{
		{
			name: "5xx then success",
			serve: func(attempt int, w http.ResponseWriter) {
				if attempt == 1 {
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = w.Write([]byte(`{"error":"node syncing"}`))
					return
				}
				_, _ = w.Write([]byte(`{"tx_hash":"0xabc"}`))
			},
			retries:      1,
			wantStatus:   http.StatusOK,
			wantBody:     `{"tx_hash":"0xabc"}`,
			wantAttempts: 2,
		},
		{
			name: "5xx until retries exhausted",
			serve: func(attempt int, w http.ResponseWriter) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(`{"error":"still down"}`))
			},
			retries:      2,
			wantStatus:   http.StatusBadGateway,
			wantBody:     `{"error":"still down"}`,
			wantAttempts: 3,
		},
		{
			name: "4xx is not retried",
			serve: func(attempt int, w http.ResponseWriter) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"unknown action"}`))
			},
			retries:      3,
			wantStatus:   http.StatusBadRequest,
			wantBody:     `{"error":"unknown action"}`,
			wantAttempts: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			attempts := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts++
				tc.serve(attempts, w)
			}))
			defer srv.Close()

			status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{"action":"transfer"}`), nil, tc.retries, 5*time.Millisecond)
			if err != nil {
				t.Fatalf("request error: %v", err)
			}
			if status != tc.wantStatus {
				t.Fatalf("expected %d got %d", tc.wantStatus, status)
			}
			if string(body) != tc.wantBody {
				t.Fatalf("unexpected body: %s", string(body))
			}
			if attempts != tc.wantAttempts {
				t.Fatalf("expected %d attempts got %d", tc.wantAttempts, attempts)
			}
		})
	}
}

func TestRequestJSONSetsHeadersAndContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Node-Key"); got != "secret" {
			t.Fatalf("expected auth header, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Fatalf("expected json content type, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{"x":1}`), map[string]string{"X-Node-Key": "secret"}, 0, 0)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type failingReadCloser struct{}

func (failingReadCloser) Read(p []byte) (int, error) { return 0, errors.New("read failed") }
func (failingReadCloser) Close() error               { return nil }

func okJSONResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}
}

// flakyClient fails the first attempt via fail and serves {"ok":true}
// afterwards, counting attempts through the returned pointer.
func flakyClient(fail func() (*http.Response, error)) (*http.Client, *int) {
	attempts := new(int)
	client := &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			*attempts++
			if *attempts == 1 {
				return fail()
			}
			return okJSONResponse(`{"ok":true}`), nil
		}),
	}
	return client, attempts
}

func TestRequestJSONNilClientDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	if status, _, err := RequestJSON(context.Background(), nil, http.MethodPost, srv.URL, []byte(`{"x":1}`), nil, 0, 0); err != nil || status != http.StatusCreated {
		t.Fatalf("nil client should fall back to the default: status=%d err=%v", status, err)
	}
}

func TestRequestJSONBuildErrorNotRetried(t *testing.T) {
	if _, _, err := RequestJSON(context.Background(), http.DefaultClient, "bad method", "http://example.com", nil, nil, 3, 0); err == nil {
		t.Fatal("expected invalid method error")
	}
}

func TestRequestJSONTransportFailures(t *testing.T) {
	t.Run("retries exhausted", func(t *testing.T) {
		client := &http.Client{
			Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
				return nil, errors.New("dial failed")
			}),
		}
		_, _, err := RequestJSON(context.Background(), client, http.MethodGet, "http://example.com", nil, nil, -3, 0)
		if err == nil || !strings.Contains(err.Error(), "dial failed") {
			t.Fatalf("expected transport failure, got %v", err)
		}
	})

	recoverable := []struct {
		name string
		fail func() (*http.Response, error)
	}{
		{"transport error then success", func() (*http.Response, error) {
			return nil, errors.New("temporary network")
		}},
		{"body read error then success", func() (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Body: failingReadCloser{}, Header: http.Header{}}, nil
		}},
	}
	for _, tc := range recoverable {
		t.Run(tc.name, func(t *testing.T) {
			client, attempts := flakyClient(tc.fail)
			status, body, err := RequestJSON(context.Background(), client, http.MethodGet, "http://example.com", nil, nil, 1, 0)
			if err != nil {
				t.Fatalf("expected retry success, got %v", err)
			}
			if *attempts != 2 || status != http.StatusOK || string(body) != `{"ok":true}` {
				t.Fatalf("unexpected retry result attempts=%d status=%d body=%s", *attempts, status, string(body))
			}
		})
	}
}
