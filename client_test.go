package bookingsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("tok-123", WithBaseURL(srv.URL), WithTimeout(5*time.Second), WithRateLimit(1000, 100))
}

func writeEnvelope(w http.ResponseWriter, status int, data any, apiErr *APIError) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResult{OK: apiErr == nil, Data: raw, Error: apiErr})
}

func TestClientFetchStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/bookings/bk-1/status" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			t.Errorf("missing bearer token")
		}
		writeEnvelope(w, http.StatusOK, StatusRecord{Status: StatusConfirmed, Version: 3}, nil)
	})

	rec, err := c.FetchStatus(context.Background(), "bk-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.BookingID != "bk-1" || rec.Status != StatusConfirmed || rec.Version != 3 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestClientUpdateStatus(t *testing.T) {
	t.Run("sends key and expectations", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPatch {
				t.Errorf("expected PATCH, got %s", r.Method)
			}
			if r.Header.Get("Idempotency-Key") != "key-1" {
				t.Errorf("missing idempotency key")
			}
			body, _ := io.ReadAll(r.Body)
			var got map[string]any
			json.Unmarshal(body, &got)
			if got["status"] != "on_the_way" || got["expectedStatus"] != "confirmed" ||
				got["expectedVersion"] != float64(3) || got["actorRole"] != "provider" {
				t.Errorf("unexpected body %s", body)
			}
			if _, ok := got["BookingID"]; ok {
				t.Errorf("booking id leaked into body")
			}
			writeEnvelope(w, http.StatusOK, StatusRecord{BookingID: "bk-1", Status: StatusOnTheWay, Version: 4}, nil)
		})

		rec, err := c.UpdateStatus(context.Background(), StatusUpdate{
			BookingID:       "bk-1",
			IdempotencyKey:  "key-1",
			Status:          StatusOnTheWay,
			ExpectedStatus:  StatusConfirmed,
			ExpectedVersion: 3,
			ActorRole:       RoleProvider,
		})
		if err != nil {
			t.Fatal(err)
		}
		if rec.Version != 4 {
			t.Fatalf("unexpected record %+v", rec)
		}
	})

	cases := []struct {
		name    string
		status  int
		data    any
		kind    ErrorKind
		current bool
	}{
		{"conflict with state", http.StatusConflict, StatusRecord{Status: StatusCancelled, Version: 5}, KindConflict, true},
		{"conflict without state", http.StatusConflict, nil, KindConflict, false},
		{"server error", http.StatusBadGateway, nil, KindTransient, false},
		{"throttled", http.StatusTooManyRequests, nil, KindTransient, false},
		{"validation", http.StatusUnprocessableEntity, nil, KindRejected, false},
		{"forbidden", http.StatusForbidden, nil, KindRejected, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, tc.status, tc.data, &APIError{Code: "ERR", Message: "nope"})
			})
			_, err := c.UpdateStatus(context.Background(), StatusUpdate{BookingID: "bk-1", IdempotencyKey: "k"})
			if KindOf(err) != tc.kind {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
			var se *SyncError
			errors.As(err, &se)
			if (se.Current != nil) != tc.current {
				t.Fatalf("current state presence: expected %v, got %+v", tc.current, se.Current)
			}
			if tc.current && (se.Current.BookingID != "bk-1" || se.Current.Status != StatusCancelled) {
				t.Fatalf("unexpected current %+v", se.Current)
			}
		})
	}

	t.Run("network failure is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		c := NewClient("tok", WithBaseURL(srv.URL))
		_, err := c.UpdateStatus(context.Background(), StatusUpdate{BookingID: "bk-1", IdempotencyKey: "k"})
		if !IsTransient(err) || !errors.Is(err, ErrTransient) {
			t.Fatalf("expected transient error, got %v", err)
		}
	})

	t.Run("ok=false envelope is a rejection", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, nil, &APIError{Code: "LOCKED", Message: "booking locked"})
		})
		_, err := c.UpdateStatus(context.Background(), StatusUpdate{BookingID: "bk-1", IdempotencyKey: "k"})
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("expected rejected, got %v", err)
		}
	})
}

func TestClientPing(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	healthy.Store(false)
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected unhealthy")
	}
}

func TestClientOptions(t *testing.T) {
	c := NewClient("tok", WithEnvironment(Staging))
	if c.BaseURL() != environments[Staging] {
		t.Fatalf("unexpected base URL %s", c.BaseURL())
	}
	c = NewClient("tok", WithBaseURL("http://localhost:8080/"))
	if c.BaseURL() != "http://localhost:8080" {
		t.Fatalf("trailing slash not trimmed: %s", c.BaseURL())
	}
	c.SetToken("tok-2")
	if c.Token() != "tok-2" {
		t.Fatal("token not replaced")
	}
}
