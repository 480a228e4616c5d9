// fleetctl is the operator CLI for the fleet control plane.
//
// Usage:
//
//	fleetctl -server http://localhost:8080 workers -tenant <uuid>
//	fleetctl worker <uuid>
//	fleetctl remove <uuid>
//	fleetctl sweep -ttl 90s
//	fleetctl lease <camera-uuid>
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", envOr("FLEET_SERVER", "http://localhost:8080"), "fleet control plane base URL")
	tenant := flag.String("tenant", os.Getenv("FLEET_TENANT"), "tenant id for list commands")
	ttl := flag.Duration("ttl", 90*time.Second, "ttl for sweep")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{base: strings.TrimRight(*server, "/"), http: &http.Client{Timeout: 10 * time.Second}}

	switch args[0] {
	case "workers":
		if *tenant == "" {
			log.Fatal("-tenant (or FLEET_TENANT) required")
		}
		c.do(http.MethodGet, "/api/v1/workers?tenant_id="+*tenant, nil)
	case "worker":
		c.do(http.MethodGet, "/api/v1/workers/"+arg(args, 1), nil)
	case "remove":
		c.do(http.MethodDelete, "/api/v1/workers/"+arg(args, 1), nil)
	case "sweep":
		c.do(http.MethodPost, fmt.Sprintf("/api/v1/maintenance/sweep?ttl=%s", *ttl), nil)
	case "lease":
		c.do(http.MethodGet, "/api/v1/cameras/"+arg(args, 1)+"/lease", nil)
	default:
		log.Fatalf("unknown command %q", args[0])
	}
}

func arg(args []string, i int) string {
	if len(args) <= i {
		log.Fatalf("%s: missing argument", args[0])
	}
	return args[i]
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type client struct {
	base string
	http *http.Client
}

func (c *client) do(method, path string, body io.Reader) {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		log.Fatalf("Request build failed: %v", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Read failed: %v", err)
	}

	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d\n%s\n", resp.StatusCode, raw)
		os.Exit(1)
	}

	var pretty json.RawMessage = raw
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(string(out))
}
