package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"export-job-service/internal/config"
	"export-job-service/internal/errs"
	"export-job-service/internal/models"
)

type fakeStore struct {
	jobs       map[string]models.Job
	executions map[string]models.SyncExecution
	createErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]models.Job{}, executions: map[string]models.SyncExecution{}}
}

func (f *fakeStore) CreateJob(_ context.Context, job models.Job) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.jobs[job.JobID] = job
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
	}
	return job, nil
}

func (f *fakeStore) ListJobsByRequester(_ context.Context, requester string, limit int) ([]models.Job, error) {
	var out []models.Job
	for _, job := range f.jobs {
		if job.Requester != nil && *job.Requester == requester {
			out = append(out, job)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ListThirdPartyItems(context.Context, string, string, int) ([]models.ThirdPartyItem, error) {
	return nil, nil
}

func (f *fakeStore) GetSyncExecution(_ context.Context, id string) (models.SyncExecution, error) {
	exec, ok := f.executions[id]
	if !ok {
		return models.SyncExecution{}, fmt.Errorf("execution %s: %w", id, errs.ErrNotFound)
	}
	return exec, nil
}

type fakeEnqueuer struct {
	sent    []models.WorkItem
	sendErr error
}

func (f *fakeEnqueuer) Send(_ context.Context, item models.WorkItem) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, item)
	return nil
}

func (f *fakeEnqueuer) DLQPeek(context.Context, int64) ([]string, error) { return nil, nil }

type fakeOrchestrator struct {
	started  []string
	startErr error
}

func (f *fakeOrchestrator) Start(_ context.Context, resourceType string, limit int) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	id := fmt.Sprintf("exec-%s-%d", resourceType, limit)
	f.started = append(f.started, id)
	return id, nil
}

func newTestServer(st *fakeStore, q *fakeEnqueuer, orch *fakeOrchestrator) *Server {
	cfg := config.Config{JobTTL: 720 * time.Hour}
	return New(cfg, st, q, nil, orch, zap.NewNop())
}

func doRequest(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreateExportAccepted(t *testing.T) {
	st := newFakeStore()
	q := &fakeEnqueuer{}
	s := newTestServer(st, q, &fakeOrchestrator{})

	rec := doRequest(s, http.MethodPost, "/exports", `{"kind":"users","format":"json","filters":{"status":"active"},"requester":"alice"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}

	var resp createExportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != models.StatePending {
		t.Fatalf("expected pending, got %s", resp.State)
	}

	job, ok := st.jobs[resp.JobID]
	if !ok {
		t.Fatal("no store record for accepted job")
	}
	if job.State != models.StatePending || job.Kind != "users" || job.Format != "json" {
		t.Fatalf("unexpected stored job: %+v", job)
	}
	if job.Requester == nil || *job.Requester != "alice" {
		t.Fatalf("requester not stored: %+v", job)
	}
	if job.ExpiresAt.Sub(job.CreatedAt) != 720*time.Hour {
		t.Fatalf("expiry not 30 days after creation: %+v", job)
	}

	if len(q.sent) != 1 || q.sent[0].JobID != resp.JobID {
		t.Fatalf("work item not enqueued for job: %+v", q.sent)
	}
	if q.sent[0].Filters["status"] != "active" {
		t.Fatalf("filters not passed through verbatim: %+v", q.sent[0])
	}
}

func TestCreateExportValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing kind", `{"format":"csv"}`},
		{"unknown kind", `{"kind":"invoices"}`},
		{"unknown format", `{"kind":"users","format":"xml"}`},
		{"bad json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			q := &fakeEnqueuer{}
			s := newTestServer(st, q, &fakeOrchestrator{})

			rec := doRequest(s, http.MethodPost, "/exports", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if len(st.jobs) != 0 || len(q.sent) != 0 {
				t.Fatal("rejected request left side effects")
			}
		})
	}
}

func TestCreateExportEnqueueFailureLeavesPendingRecord(t *testing.T) {
	st := newFakeStore()
	q := &fakeEnqueuer{sendErr: errors.New("queue down")}
	s := newTestServer(st, q, &fakeOrchestrator{})

	rec := doRequest(s, http.MethodPost, "/exports", `{"kind":"orders"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	// The pending record must survive so the reader can discover the stuck job.
	if len(st.jobs) != 1 {
		t.Fatalf("expected pending record to remain, jobs=%d", len(st.jobs))
	}
	for _, job := range st.jobs {
		if job.State != models.StatePending {
			t.Fatalf("expected pending, got %s", job.State)
		}
	}
}

func TestGetExportProjections(t *testing.T) {
	st := newFakeStore()
	key, url, detail := "exports/users/a.csv", "https://x/a.csv", "scan exploded"
	count := 3
	now := time.Now().UTC()
	st.jobs["pending"] = models.Job{JobID: "pending", Kind: "users", Format: "csv", State: models.StatePending, CreatedAt: now, UpdatedAt: now}
	st.jobs["done"] = models.Job{JobID: "done", Kind: "users", Format: "csv", State: models.StateCompleted,
		ArtifactKey: &key, DownloadURL: &url, RecordCount: &count, CreatedAt: now, UpdatedAt: now}
	st.jobs["bad"] = models.Job{JobID: "bad", Kind: "users", Format: "csv", State: models.StateFailed,
		ErrorDetail: &detail, CreatedAt: now, UpdatedAt: now}
	s := newTestServer(st, &fakeEnqueuer{}, &fakeOrchestrator{})

	rec := doRequest(s, http.MethodGet, "/exports/pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); strings.Contains(body, "download_url") || strings.Contains(body, "error_detail") {
		t.Fatalf("pending projection leaks terminal fields: %s", body)
	}

	rec = doRequest(s, http.MethodGet, "/exports/done", "")
	var done jobProjection
	_ = json.Unmarshal(rec.Body.Bytes(), &done)
	if done.DownloadURL == nil || done.RecordCount == nil || done.ArtifactKey == nil {
		t.Fatalf("completed projection missing artifact fields: %s", rec.Body)
	}
	if done.ErrorDetail != nil {
		t.Fatalf("completed projection carries error detail: %s", rec.Body)
	}

	rec = doRequest(s, http.MethodGet, "/exports/bad", "")
	var failed jobProjection
	_ = json.Unmarshal(rec.Body.Bytes(), &failed)
	if failed.ErrorDetail == nil || *failed.ErrorDetail != detail {
		t.Fatalf("failed projection missing error detail: %s", rec.Body)
	}
	if failed.DownloadURL != nil || failed.ArtifactKey != nil {
		t.Fatalf("failed projection carries artifact fields: %s", rec.Body)
	}
}

func TestGetExportNotFound(t *testing.T) {
	s := newTestServer(newFakeStore(), &fakeEnqueuer{}, &fakeOrchestrator{})
	rec := doRequest(s, http.MethodGet, "/exports/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListExportsRequiresRequester(t *testing.T) {
	s := newTestServer(newFakeStore(), &fakeEnqueuer{}, &fakeOrchestrator{})
	rec := doRequest(s, http.MethodGet, "/exports", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSyncWithRetry(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := newTestServer(newFakeStore(), &fakeEnqueuer{}, orch)

	rec := doRequest(s, http.MethodPost, "/sync-with-retry?resource=posts&limit=20", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["execution_id"] == "" {
		t.Fatalf("missing execution_id: %s", rec.Body)
	}
	if len(orch.started) != 1 {
		t.Fatalf("orchestrator not started: %v", orch.started)
	}

	rec = doRequest(s, http.MethodPost, "/sync-with-retry?resource=widgets", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid resource, got %d", rec.Code)
	}
	rec = doRequest(s, http.MethodPost, "/sync-with-retry?resource=posts&limit=500", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range limit, got %d", rec.Code)
	}
}
