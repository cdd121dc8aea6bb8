package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// runHealthCmd probes a running instance on the configured port.
func runHealthCmd(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%s/health", port))
	if err != nil {
		fmt.Fprintf(stderr, "health: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health: status %d\n", resp.StatusCode)
		return 1
	}
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(stdout, "%s", body)
	return 0
}
