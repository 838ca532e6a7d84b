// Package main provides a minimal probe for container healthchecks. It
// GETs the sync server's readiness endpoint and exits 0 on a 2xx status,
// 1 otherwise, printing the server's reported status on failure.
// Usage: healthcheck [-timeout 5s] [url]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultURL = "http://localhost:8080/readyz"

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "Request timeout")
	flag.Parse()

	url := os.Getenv("SYNC_HEALTHCHECK_URL")
	if flag.NArg() > 0 {
		url = flag.Arg(0)
	}
	if url == "" {
		url = defaultURL
	}

	if err := probe(&http.Client{Timeout: *timeout}, url); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
}

func probe(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var status struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(body, &status) == nil && status.Status != "" {
		return fmt.Errorf("status %d (%s)", resp.StatusCode, status.Status)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}
