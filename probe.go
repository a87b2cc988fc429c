package main

import (
	"net/http"
	"time"
)

// probeClient caps each individual poll so a wedged server can't stall the
// readiness loop past its deadline.
var probeClient = &http.Client{Timeout: 2 * time.Second}

const probeInterval = time.Second

// WaitForReady polls baseURL with GET until it answers with a status below
// 500 or the timeout elapses. Connection refused and per-request timeouts
// count as "not ready yet", never as fatal. The prober performs no cleanup;
// on failure the caller is expected to inspect the process logs and tear the
// instance down.
func WaitForReady(log *SessionLogger, baseURL string, timeout time.Duration) bool {
	log.Printf("Waiting for %s (up to %s)\n", baseURL, timeout)

	deadline := time.Now().Add(timeout)
	attempts := 0

	for time.Now().Before(deadline) {
		attempts++

		resp, err := probeClient.Get(baseURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				log.Printf("Ready at %s (status %d)\n", baseURL, resp.StatusCode)
				log.ProbeResult(baseURL, true, attempts)
				return true
			}
		}

		if attempts%10 == 0 {
			log.Printf("Still waiting for %s (%d attempts)\n", baseURL, attempts)
		}

		time.Sleep(probeInterval)
	}

	log.Printf("Not ready after %s (%d attempts)\n", timeout, attempts)
	log.ProbeResult(baseURL, false, attempts)
	return false
}
