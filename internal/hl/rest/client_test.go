package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hl-basis-rebalancer/internal/errdefs"

	"go.uber.org/zap"
)

func TestInfoPostsTypedRequest(t *testing.T) {
	var got InfoRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"withdrawable":"12.5"}`))
	}))
	defer srv.Close()

	client := New(srv.URL, 2*time.Second, zap.NewNop())
	resp, err := client.Info(context.Background(), InfoRequest{Type: "clearinghouseState", User: "0xabc"})
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if got.Type != "clearinghouseState" || got.User != "0xabc" {
		t.Fatalf("unexpected request %+v", got)
	}
	if resp["withdrawable"] != "12.5" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestInfoAnyDecodesArrays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[1,2,3]`))
	}))
	defer srv.Close()

	client := New(srv.URL, 2*time.Second, nil)
	resp, err := client.InfoAny(context.Background(), InfoRequest{Type: "openOrders"})
	if err != nil {
		t.Fatalf("info any: %v", err)
	}
	arr, ok := resp.([]any)
	if !ok || len(arr) != 3 {
		t.Fatalf("expected 3 element array, got %#v", resp)
	}
}

func TestInfoSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`bad coin`))
	}))
	defer srv.Close()

	client := New(srv.URL, 2*time.Second, nil)
	if _, err := client.Info(context.Background(), InfoRequest{Type: "l2Book", Coin: "NOPE"}); !errdefs.IsRequestFailed(err) {
		t.Fatalf("expected request failed error, got %v", err)
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	client := New("http://unused", time.Second, nil)
	client.SetRateLimit(0.001, 1)
	// consume the single burst token
	if !client.limiter.Allow() {
		t.Fatalf("expected initial token")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.Info(ctx, InfoRequest{Type: "meta"}); err == nil {
		t.Fatalf("expected rate limiter error")
	}
}
