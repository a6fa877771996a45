// Command healthcheck probes the adapter's HTTP server for container health
// checks. It exits 0 when the probe answers 200.
//
// Usage:
//
//	healthcheck [--ready] [--addr http://localhost:8080]
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "base URL of the sameroom HTTP server")
	ready := flag.Bool("ready", false, "probe /readyz (live Slack session) instead of /healthz")
	flag.Parse()

	path := "/healthz"
	if *ready {
		path = "/readyz"
	}
	os.Exit(probe(*addr + path))
}

func probe(url string) int {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return 1
	}
	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
