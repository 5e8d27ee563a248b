package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oddsmarket/ledger-engine/internal/normalize"
)

func pageHandler(t *testing.T, total int) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		var page Page
		for i := offset; i < total && i-offset < limit; i++ {
			page.Events = append(page.Events, normalize.RawEvent{
				ID: fmt.Sprintf("trade:%d", i), Kind: "BUY", Side: "A",
			})
		}
		page.Cursor = strconv.Itoa(offset + len(page.Events))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	}
}

func TestFetchAll_Paginates(t *testing.T) {
	srv := httptest.NewServer(pageHandler(t, 25))
	defer srv.Close()

	c := NewClient(srv.URL, WithPaging(10, 20))
	events, _, cursor, err := c.FetchAll(context.Background(), Query{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 25 {
		t.Errorf("events = %d, want 25 across three pages", len(events))
	}
	if cursor != "25" {
		t.Errorf("cursor = %q, want last page's 25", cursor)
	}
	if events[24].ID != "trade:24" {
		t.Errorf("last event = %s, want trade:24", events[24].ID)
	}
}

func TestFetchAll_StopsOnShortPage(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		pageHandler(t, 5)(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithPaging(10, 20))
	events, _, _, err := c.FetchAll(context.Background(), Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Errorf("events = %d, want 5", len(events))
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1 (short page ends paging)", got)
	}
}

func TestFetchAll_PageCap(t *testing.T) {
	// Every page comes back full; the cap must stop the loop.
	srv := httptest.NewServer(pageHandler(t, 1_000_000))
	defer srv.Close()

	c := NewClient(srv.URL, WithPaging(10, 3))
	events, _, _, err := c.FetchAll(context.Background(), Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 30 {
		t.Errorf("events = %d, want 30 (3 pages of 10)", len(events))
	}
}

func TestFetchAll_QueryParameters(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		got = map[string]string{
			"subjects": q.Get("subjects"),
			"leagues":  q.Get("leagues"),
			"start":    q.Get("start"),
			"end":      q.Get("end"),
			"by":       q.Get("by"),
			"limit":    q.Get("limit"),
		}
		json.NewEncoder(w).Encode(Page{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithPaging(50, 5))
	_, _, _, err := c.FetchAll(context.Background(), Query{
		Subjects: []string{"alice", "bob"},
		Leagues:  []string{"NBA"},
		Start:    100,
		End:      200,
		By:       ByLockTime,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"subjects": "alice,bob",
		"leagues":  "NBA",
		"start":    "100",
		"end":      "200",
		"by":       "lock_time",
		"limit":    "50",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("query %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestGet_RetriesOn5xx(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Page{Cursor: "1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetries(3, time.Millisecond))
	page, err := c.Events(context.Background(), Query{}, 0)
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if page.Cursor != "1" {
		t.Errorf("cursor = %q, want 1", page.Cursor)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestGet_NoRetryOn4xx(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetries(3, time.Millisecond))
	if _, err := c.Events(context.Background(), Query{}, 0); err == nil {
		t.Fatal("expected error on 400")
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1 (client errors are not retried)", got)
	}
}

func TestGet_ExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetries(1, time.Millisecond))
	if _, err := c.Events(context.Background(), Query{}, 0); err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
}
