package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for the consumer goroutine and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"help", []string{"help"}, ""},
		{"unknown command", []string{"dance"}, `unknown command "dance"`},
		{"watch without token", []string{"watch", "-token", ""}, "a token is required"},
		{"checkin without tour", []string{"checkin", "-token", "t"}, "-tour is required"},
		{"checkin without position", []string{"checkin", "-token", "t", "-tour", "tour-1"}, "location unavailable"},
		{"checkin bad position", []string{"checkin", "-token", "t", "-tour", "tour-1", "-at", "91,0"}, "invalid coordinates"},
		{"sos without tour", []string{"sos", "-token", "t"}, "-tour is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), tt.args, &stdout, &stderr)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRun_SOS(t *testing.T) {
	var got struct {
		Auth, Key string
		Body      map[string]string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/incidents/sos" {
			http.NotFound(w, r)
			return
		}
		got.Auth = r.Header.Get("Authorization")
		got.Key = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"incident":{"id":"inc-1"},"notification_id":"n-1"}`)
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"sos", "-api", srv.URL, "-token", "tok", "-tour", "tour-1", "-at", "48.8584,2.2945", "-m", "fell"}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("sos: %v", err)
	}
	if got.Auth != "Bearer tok" {
		t.Errorf("expected bearer token, got %q", got.Auth)
	}
	if got.Key == "" {
		t.Error("expected an idempotency key")
	}
	if got.Body["tour_id"] != "tour-1" || got.Body["location"] != "48.8584,2.2945" || got.Body["description"] != "fell" {
		t.Errorf("unexpected body %v", got.Body)
	}
	if !strings.Contains(stdout.String(), "n-1") {
		t.Errorf("expected notification id in output, got %q", stdout.String())
	}
}

func TestRun_CheckInOutsideGeofence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":{"code":"outside_geofence","message":"too far"},"distance_meters":4200,"radius_meters":100}`)
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"checkin", "-api", srv.URL, "-token", "tok", "-tour", "tour-1", "-checkpoint", "cp-1", "-at", "48.8738,2.2950"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "outside_geofence") {
		t.Fatalf("expected outside_geofence error, got %v", err)
	}
}

func TestRun_WatchPrintsNotifications(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tour_id") != "tour-1" {
			http.Error(w, "missing tour", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "retry: 3000\n\n")
		fmt.Fprint(w, "id: n-1\nevent: SOS\n")
		fmt.Fprintf(w, "data: {\"id\":\"n-1\",\"type\":\"SOS\",\"title\":\"Help\",\"message\":\"at the fountain\",\"severity\":\"CRITICAL\",\"timestamp\":%q}\n\n",
			time.Now().UTC().Format(time.RFC3339))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var stdout, stderr syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"watch", "-api", srv.URL, "-token", "tok", "-tour", "tour-1"}, &stdout, &stderr)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(stdout.String(), "Help") {
		if time.Now().After(deadline) {
			t.Fatalf("notification not printed; stdout %q stderr %q", stdout.String(), stderr.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("watch returned %v after cancel", err)
	}
	if !strings.Contains(stdout.String(), "\a") {
		t.Error("expected a bell for the critical alert")
	}
}
