package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-fleet/internal/api"
	"github.com/technosupport/ts-fleet/internal/command"
	"github.com/technosupport/ts-fleet/internal/data"
	"github.com/technosupport/ts-fleet/internal/lease"
	"github.com/technosupport/ts-fleet/internal/registry"
	"github.com/technosupport/ts-fleet/internal/visits"
)

// In-memory backends shared by the handler tests. They mirror the SQL
// semantics closely enough for routing and status-code behavior.

type memBackend struct {
	mu       sync.Mutex
	workers  map[uuid.UUID]*data.Worker
	leases   map[uuid.UUID]*data.CameraLease
	events   map[string]bool
	sessions map[uuid.UUID]*data.VisitSession
}

func newMemBackend() *memBackend {
	return &memBackend{
		workers:  make(map[uuid.UUID]*data.Worker),
		leases:   make(map[uuid.UUID]*data.CameraLease),
		events:   make(map[string]bool),
		sessions: make(map[uuid.UUID]*data.VisitSession),
	}
}

// registry.Repository

func (b *memBackend) Upsert(ctx context.Context, w *data.Worker) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w.Status = data.WorkerStatusIdle
	w.LastHeartbeatAt = time.Now()
	b.workers[w.WorkerID] = w
	return nil
}

func (b *memBackend) Heartbeat(ctx context.Context, workerID uuid.UUID, status string, cams []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workers[workerID]
	if !ok {
		return data.ErrRecordNotFound
	}
	w.Status = status
	w.ActiveCameraIDs = cams
	return nil
}

func (b *memBackend) GetByID(ctx context.Context, workerID uuid.UUID) (*data.Worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workers[workerID]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	return w, nil
}

func (b *memBackend) List(ctx context.Context, tenantID uuid.UUID) ([]*data.Worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*data.Worker
	for _, w := range b.workers {
		if w.TenantID == tenantID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (b *memBackend) SweepOffline(ctx context.Context, cutoff time.Time) ([]data.SweptWorker, error) {
	return nil, nil
}

func (b *memBackend) MarkErrored(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workers[workerID]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	w.Status = data.WorkerStatusError
	return nil, nil
}

func (b *memBackend) Delete(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.workers[workerID]; !ok {
		return nil, data.ErrRecordNotFound
	}
	delete(b.workers, workerID)
	return nil, nil
}

// lease.Repository / registry.LeaseStore

func (b *memBackend) TryAcquire(ctx context.Context, tenantID, siteID, cameraID, workerID uuid.UUID, mode string) (*data.CameraLease, *uuid.UUID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.leases[cameraID]
	if !ok {
		l = &data.CameraLease{TenantID: tenantID, SiteID: siteID, CameraID: cameraID}
		b.leases[cameraID] = l
	}
	if l.HeldByWorkerID != nil && *l.HeldByWorkerID != workerID {
		holder := *l.HeldByWorkerID
		return nil, &holder, nil
	}
	w := workerID
	l.HeldByWorkerID = &w
	l.Mode = mode
	cp := *l
	return &cp, nil, nil
}

func (b *memBackend) Release(ctx context.Context, cameraID, workerID uuid.UUID) (bool, *uuid.UUID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.leases[cameraID]
	if !ok || l.HeldByWorkerID == nil {
		return false, nil, nil
	}
	if *l.HeldByWorkerID != workerID {
		holder := *l.HeldByWorkerID
		return false, &holder, nil
	}
	l.HeldByWorkerID = nil
	return true, nil, nil
}

func (b *memBackend) ForceRelease(ctx context.Context, cameraID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.leases[cameraID]; ok {
		l.HeldByWorkerID = nil
	}
	return nil
}

func (b *memBackend) Get(ctx context.Context, cameraID uuid.UUID) (*data.CameraLease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.leases[cameraID]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *l
	return &cp, nil
}

func (b *memBackend) CountHeldByWorker(ctx context.Context, workerID uuid.UUID) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, l := range b.leases {
		if l.HeldByWorkerID != nil && *l.HeldByWorkerID == workerID {
			n++
		}
	}
	return n, nil
}

func (b *memBackend) ListHeldByWorker(ctx context.Context, workerID uuid.UUID) ([]*data.CameraLease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*data.CameraLease
	for _, l := range b.leases {
		if l.HeldByWorkerID != nil && *l.HeldByWorkerID == workerID {
			out = append(out, l)
		}
	}
	return out, nil
}

// visits.Store

func (b *memBackend) MarkEventIngested(ctx context.Context, eventID string, tenantID uuid.UUID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events[eventID] {
		return false, nil
	}
	b.events[eventID] = true
	return true, nil
}

func (b *memBackend) FindOpenSession(ctx context.Context, tenantID, personID, siteID uuid.UUID, ts time.Time, window time.Duration) (*data.VisitSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := ts.Add(-window)
	var best *data.VisitSession
	for _, v := range b.sessions {
		if v.TenantID != tenantID || v.PersonID != personID || v.SiteID != siteID || v.LastSeen.Before(cutoff) {
			continue
		}
		if best == nil || v.LastSeen.After(best.LastSeen) {
			best = v
		}
	}
	if best == nil {
		return nil, data.ErrRecordNotFound
	}
	cp := *best
	return &cp, nil
}

func (b *memBackend) UpsertSession(ctx context.Context, v *data.VisitSession) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.sessions[v.VisitID]
	if !ok {
		cp := *v
		b.sessions[v.VisitID] = &cp
		return nil
	}
	if v.LastSeen.After(cur.LastSeen) {
		cur.LastSeen = v.LastSeen
	}
	cur.DetectionCount++
	*v = *cur
	return nil
}

// visitStore adapts memBackend to visits.Store, whose Upsert name collides
// with the registry repository's.
type visitStore struct{ b *memBackend }

func (s visitStore) MarkEventIngested(ctx context.Context, eventID string, tenantID uuid.UUID) (bool, error) {
	return s.b.MarkEventIngested(ctx, eventID, tenantID)
}
func (s visitStore) FindOpenSession(ctx context.Context, tenantID, personID, siteID uuid.UUID, ts time.Time, window time.Duration) (*data.VisitSession, error) {
	return s.b.FindOpenSession(ctx, tenantID, personID, siteID, ts, window)
}
func (s visitStore) Upsert(ctx context.Context, v *data.VisitSession) error {
	return s.b.UpsertSession(ctx, v)
}

type staticResolver struct {
	person uuid.UUID
	err    error
}

func (r staticResolver) Resolve(ctx context.Context, embedding []float32, staffHint bool) (*visits.ResolvedIdentity, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &visits.ResolvedIdentity{PersonID: r.person, PersonType: data.PersonTypeCustomer, Confidence: 0.8}, nil
}

type noopEscalator struct{}

func (noopEscalator) MarkWorkerErrored(ctx context.Context, workerID uuid.UUID) error { return nil }

type testServer struct {
	srv     *httptest.Server
	backend *memBackend
}

func newTestServer(t *testing.T, resolver visits.Resolver) *testServer {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	backend := newMemBackend()

	hub := command.NewSocketHub()
	queue := command.NewQueueTransport(rdb)
	ch := command.NewChannel(command.Config{AckTimeout: 50 * time.Millisecond}, noopEscalator{}, hub, queue)
	t.Cleanup(ch.Stop)

	registrySvc := registry.NewService(backend, backend, ch)
	leaseMgr := lease.NewManager(backend, backend, ch)
	agg := visits.NewAggregator(visitStore{backend}, resolver, nil, nil, func() time.Duration { return 30 * time.Minute })

	handler := api.NewRouter(api.RouterDeps{
		Workers:  api.NewWorkerHandler(registrySvc),
		Leases:   api.NewLeaseHandler(leaseMgr),
		Commands: api.NewCommandHandler(ch, queue, hub),
		Events:   api.NewEventHandler(agg),
		Admin:    api.NewAdminHandler(registrySvc),
		Redis:    rdb,
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, backend: backend}
}

func (ts *testServer) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func (ts *testServer) registerWorker(t *testing.T, workerID, tenantID uuid.UUID, maxStreams int) {
	t.Helper()
	resp, _ := ts.post(t, "/api/v1/workers/register", map[string]any{
		"worker_id": workerID,
		"tenant_id": tenantID,
		"site_id":   uuid.New(),
		"capabilities": map[string]any{
			"max_streams": maxStreams,
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: status %d", resp.StatusCode)
	}
}

func TestRegisterAndHeartbeat(t *testing.T) {
	ts := newTestServer(t, staticResolver{person: uuid.New()})
	workerID, tenantID := uuid.New(), uuid.New()

	ts.registerWorker(t, workerID, tenantID, 4)

	resp, _ := ts.post(t, fmt.Sprintf("/api/v1/workers/%s/heartbeat", workerID), map[string]any{
		"status":            "PROCESSING",
		"active_camera_ids": []string{"cam-1"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("heartbeat: status %d", resp.StatusCode)
	}

	// unknown worker gets 404 so the node knows to re-register
	resp, _ = ts.post(t, fmt.Sprintf("/api/v1/workers/%s/heartbeat", uuid.New()), map[string]any{
		"status": "IDLE",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown heartbeat: status %d", resp.StatusCode)
	}
}

func TestRegister_BadCapabilities(t *testing.T) {
	ts := newTestServer(t, staticResolver{person: uuid.New()})

	resp, _ := ts.post(t, "/api/v1/workers/register", map[string]any{
		"worker_id":    uuid.New(),
		"tenant_id":    uuid.New(),
		"site_id":      uuid.New(),
		"capabilities": map[string]any{"max_streams": 0},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestAcquireReleaseFlow(t *testing.T) {
	ts := newTestServer(t, staticResolver{person: uuid.New()})
	tenantID := uuid.New()
	workerA, workerB := uuid.New(), uuid.New()
	cameraID := uuid.New()

	ts.registerWorker(t, workerA, tenantID, 4)
	ts.registerWorker(t, workerB, tenantID, 4)

	acquire := func(workerID uuid.UUID) (*http.Response, map[string]any) {
		return ts.post(t, fmt.Sprintf("/api/v1/cameras/%s/acquire", cameraID), map[string]any{
			"worker_id": workerID,
			"tenant_id": tenantID,
			"site_id":   uuid.New(),
			"mode":      "STREAMING",
		})
	}

	resp, body := acquire(workerA)
	if resp.StatusCode != http.StatusOK || body["lease"] == nil {
		t.Fatalf("acquire A: status %d body %v", resp.StatusCode, body)
	}

	resp, body = acquire(workerB)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("acquire B: expected 409, got %d", resp.StatusCode)
	}
	conflict, _ := body["conflict"].(map[string]any)
	if conflict == nil || conflict["held_by"] != workerA.String() {
		t.Errorf("conflict body wrong: %v", body)
	}

	resp, _ = ts.post(t, fmt.Sprintf("/api/v1/cameras/%s/release", cameraID), map[string]any{
		"worker_id": workerB.String(),
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("release by non-holder: expected 409, got %d", resp.StatusCode)
	}

	resp, _ = ts.post(t, fmt.Sprintf("/api/v1/cameras/%s/release", cameraID), map[string]any{
		"worker_id": workerA.String(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("release by holder: status %d", resp.StatusCode)
	}
}

func TestCommandPollAndAck(t *testing.T) {
	ts := newTestServer(t, staticResolver{person: uuid.New()})
	tenantID := uuid.New()
	workerID := uuid.New()
	cameraID := uuid.New()

	ts.registerWorker(t, workerID, tenantID, 4)

	// acquiring pushes ASSIGN_CAMERA onto the worker's queue
	resp, _ := ts.post(t, fmt.Sprintf("/api/v1/cameras/%s/acquire", cameraID), map[string]any{
		"worker_id": workerID,
		"tenant_id": tenantID,
		"site_id":   uuid.New(),
		"mode":      "STREAMING",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire: status %d", resp.StatusCode)
	}

	var commandID string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && commandID == "" {
		resp, err := http.Get(ts.srv.URL + fmt.Sprintf("/api/v1/workers/%s/commands", workerID))
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		body := decodeBody(t, resp)
		cmds, _ := body["commands"].([]any)
		for _, c := range cmds {
			m := c.(map[string]any)
			if m["kind"] == "ASSIGN_CAMERA" {
				commandID = m["command_id"].(string)
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if commandID == "" {
		t.Fatal("ASSIGN_CAMERA never arrived on the poll queue")
	}

	resp, _ = ts.post(t, fmt.Sprintf("/api/v1/commands/%s/ack", commandID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ack: status %d", resp.StatusCode)
	}

	// duplicate ack is accepted
	resp, _ = ts.post(t, fmt.Sprintf("/api/v1/commands/%s/ack", commandID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("duplicate ack: status %d", resp.StatusCode)
	}

	resp, _ = ts.post(t, "/api/v1/commands/garbage/ack", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed ack: expected 400, got %d", resp.StatusCode)
	}
}

func TestEventIngest(t *testing.T) {
	ts := newTestServer(t, staticResolver{person: uuid.New()})
	tenantID, siteID := uuid.New(), uuid.New()

	evt := map[string]any{
		"event_id":  "evt-http-1",
		"tenant_id": tenantID,
		"site_id":   siteID,
		"camera_id": uuid.New(),
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"embedding": []float32{0.1, 0.2},
	}

	resp, body := ts.post(t, "/api/v1/events", evt)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest: status %d body %v", resp.StatusCode, body)
	}
	if body["visit_id"] == nil {
		t.Errorf("No visit_id in response: %v", body)
	}

	// same event again reports deduplication, not an error
	resp, body = ts.post(t, "/api/v1/events", evt)
	if resp.StatusCode != http.StatusOK || body["deduplicated"] != true {
		t.Errorf("duplicate ingest: status %d body %v", resp.StatusCode, body)
	}
}

func TestEventIngest_Validation(t *testing.T) {
	ts := newTestServer(t, staticResolver{person: uuid.New()})

	resp, _ := ts.post(t, "/api/v1/events", map[string]any{
		"tenant_id": uuid.New(),
		"camera_id": uuid.New(),
		"timestamp": time.Now().Format(time.RFC3339Nano),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing embedding: expected 400, got %d", resp.StatusCode)
	}
}

func TestEventIngest_Unresolved(t *testing.T) {
	ts := newTestServer(t, staticResolver{err: visits.ErrNoMatch})

	resp, _ := ts.post(t, "/api/v1/events", map[string]any{
		"tenant_id": uuid.New(),
		"site_id":   uuid.New(),
		"camera_id": uuid.New(),
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"embedding": []float32{0.5},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", resp.StatusCode)
	}
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t, staticResolver{person: uuid.New()})
	tenantID := uuid.New()
	workerID := uuid.New()
	ts.registerWorker(t, workerID, tenantID, 2)

	resp, err := http.Get(ts.srv.URL + "/api/v1/workers?tenant_id=" + tenantID.String())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	body := decodeBody(t, resp)
	workers, _ := body["workers"].([]any)
	if len(workers) != 1 {
		t.Errorf("Expected 1 worker, got %v", body)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/v1/workers/"+workerID.String(), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete: status %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.srv.URL + "/api/v1/workers/" + workerID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get removed worker: expected 404, got %d", resp.StatusCode)
	}

	resp, _ = ts.post(t, "/api/v1/maintenance/sweep?ttl=45s", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("sweep: status %d", resp.StatusCode)
	}

	resp, _ = ts.post(t, "/api/v1/maintenance/sweep?ttl=bogus", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad ttl: expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, staticResolver{person: uuid.New()})

	resp, err := http.Get(ts.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz: status %d body %v", resp.StatusCode, body)
	}
}
