//go:build ignore

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

// Posts one synthetic face detection event at the ingest endpoint and
// prints the visit session it lands in. Run it twice quickly to watch
// the merge; wait past the merge window to watch a new session open.
func main() {
	serverURL := os.Getenv("FLEET_SERVER")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	tenantID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	siteID := uuid.MustParse("950fe99a-a4eb-4d7c-ac58-aaff6ea03d1d")
	cameraID := uuid.New()

	embedding := make([]float32, 128)
	for i := range embedding {
		embedding[i] = rand.Float32()
	}

	evt := map[string]any{
		"tenant_id": tenantID,
		"site_id":   siteID,
		"camera_id": cameraID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"embedding": embedding,
		"bbox":      map[string]float64{"x": 0.2, "y": 0.1, "width": 0.15, "height": 0.3},
	}

	raw, _ := json.Marshal(evt)
	resp, err := http.Post(serverURL+"/api/v1/events", "application/json", bytes.NewReader(raw))
	if err != nil {
		fmt.Printf("Failed to post event: %v. Is server up?\n", err)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("Status %d\n%s\n", resp.StatusCode, body)
}
