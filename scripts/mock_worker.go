//go:build ignore

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

// Mock worker agent: registers with the fleet server, heartbeats on an
// interval and acks every command it drains from the poll queue. Useful
// for exercising the command channel without a real processing node.
func main() {
	serverURL := os.Getenv("FLEET_SERVER")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	workerID := uuid.New()
	tenantID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	siteID := uuid.MustParse("950fe99a-a4eb-4d7c-ac58-aaff6ea03d1d")

	client := &http.Client{Timeout: 5 * time.Second}

	register := map[string]any{
		"worker_id": workerID,
		"tenant_id": tenantID,
		"site_id":   siteID,
		"capabilities": map[string]any{
			"max_streams":   4,
			"detector_kind": "mock",
			"embedder_kind": "mock",
		},
	}
	if err := postJSON(client, serverURL+"/api/v1/workers/register", register); err != nil {
		log.Fatalf("Register failed: %v", err)
	}
	log.Printf("Mock worker %s registered against %s", workerID, serverURL)

	ticker := time.NewTicker(10 * time.Second)
	for range ticker.C {
		hb := map[string]any{"status": "IDLE", "active_camera_ids": []string{}}
		if err := postJSON(client, fmt.Sprintf("%s/api/v1/workers/%s/heartbeat", serverURL, workerID), hb); err != nil {
			log.Printf("Heartbeat failed: %v", err)
			continue
		}

		resp, err := client.Get(fmt.Sprintf("%s/api/v1/workers/%s/commands", serverURL, workerID))
		if err != nil {
			log.Printf("Poll failed: %v", err)
			continue
		}
		var body struct {
			Commands []struct {
				CommandID string          `json:"command_id"`
				Kind      string          `json:"kind"`
				Payload   json.RawMessage `json:"payload"`
			} `json:"commands"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()

		for _, cmd := range body.Commands {
			log.Printf("Command %s (%s): %s", cmd.CommandID, cmd.Kind, cmd.Payload)
			if err := postJSON(client, fmt.Sprintf("%s/api/v1/commands/%s/ack", serverURL, cmd.CommandID), nil); err != nil {
				log.Printf("Ack %s failed: %v", cmd.CommandID, err)
			}
		}
	}
}

func postJSON(client *http.Client, url string, body any) error {
	raw, _ := json.Marshal(body)
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
