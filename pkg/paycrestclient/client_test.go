package paycrestclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetOrderDecodesEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/sender/orders/ord-1" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("API-Key"); got != "pk" {
			t.Fatalf("expected API-Key header, got %q", got)
		}
		_, _ = w.Write([]byte(`{"status":"success","message":"ok","data":{"id":"ord-1","status":"validated","reference":"0xdep"}}`))
	}))
	defer server.Close()

	order, err := NewClient(server.URL, "pk").GetOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if order.Status != "validated" || order.Reference != "0xdep" {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestFindByReferenceMatchesExactReference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("reference"); got != "0xdep" {
			t.Fatalf("expected reference query, got %q", got)
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"total":2,"orders":[{"id":"a","reference":"0xother"},{"id":"b","reference":"0xdep","status":"pending"}]}}`))
	}))
	defer server.Close()

	order, err := NewClient(server.URL, "pk").FindByReference(context.Background(), "0xdep")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if order.ID != "b" {
		t.Fatalf("expected order b, got %+v", order)
	}
}

func TestFindByReferenceNoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"total":0,"orders":[]}}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "pk").FindByReference(context.Background(), "0xdep")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateOrderServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "pk").CreateOrder(context.Background(), CreateOrderRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 APIError, got %v", err)
	}
}
