// Command healthcheck probes a local devbridge instance. It exits 0 when the
// probed endpoint answers 200, so it can serve as a container HEALTHCHECK.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	ready := pflag.Bool("ready", false, "probe /readyz instead of /healthz")
	timeout := pflag.Duration("timeout", 5*time.Second, "request timeout")
	pflag.Parse()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8787"
	}
	path := "/healthz"
	if *ready {
		path = "/readyz"
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%s%s", port, path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "healthcheck failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
}
