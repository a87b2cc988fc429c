package main

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitForReady_ImmediateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if !WaitForReady(NewConsoleLogger(), srv.URL, 5*time.Second) {
		t.Error("expected ready for 200 server")
	}
}

func TestWaitForReady_AcceptsClientErrors(t *testing.T) {
	// 404 means the server is up even if the route isn't; only 5xx and
	// connection failures count as not ready.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if !WaitForReady(NewConsoleLogger(), srv.URL, 5*time.Second) {
		t.Error("expected ready for 404 server")
	}
}

func TestWaitForReady_ServerErrorNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if WaitForReady(NewConsoleLogger(), srv.URL, 1500*time.Millisecond) {
		t.Error("500 server should never become ready")
	}
}

func TestWaitForReady_BecomesReady(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if !WaitForReady(NewConsoleLogger(), srv.URL, 10*time.Second) {
		t.Error("server should become ready on the third poll")
	}
	if atomic.LoadInt32(&calls) < 3 {
		t.Errorf("expected at least 3 polls, got %d", calls)
	}
}

func TestWaitForReady_ConnectionRefused(t *testing.T) {
	// Grab a port that nothing listens on.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	if WaitForReady(NewConsoleLogger(), url, 1500*time.Millisecond) {
		t.Error("closed port should never become ready")
	}
}
