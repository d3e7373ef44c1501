package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"export-job-service/internal/config"
	"export-job-service/internal/errs"
	"export-job-service/internal/export"
	"export-job-service/internal/models"
	"export-job-service/internal/queue"
)

type fakeStore struct {
	jobs map[string]*models.Job
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
	}
	return *job, nil
}

func (f *fakeStore) MarkProcessing(_ context.Context, id string) (bool, error) {
	job := f.jobs[id]
	if models.IsTerminal(job.State) {
		return false, nil
	}
	job.State = models.StateProcessing
	return true, nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, id, key, url string, count int) (bool, error) {
	job := f.jobs[id]
	if models.IsTerminal(job.State) {
		return false, nil
	}
	job.State = models.StateCompleted
	job.ArtifactKey = &key
	job.DownloadURL = &url
	job.RecordCount = &count
	job.ErrorDetail = nil
	return true, nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id, detail string) (bool, error) {
	job := f.jobs[id]
	if models.IsTerminal(job.State) {
		return false, nil
	}
	job.State = models.StateFailed
	job.ErrorDetail = &detail
	job.ArtifactKey = nil
	job.DownloadURL = nil
	job.RecordCount = nil
	return true, nil
}

func (f *fakeStore) PurgeExpired(context.Context, time.Time) (int64, error) { return 0, nil }

type fakeQueue struct {
	acked      []string
	nacked     []string
	requeueErr error
	onReceive  func()
}

func (f *fakeQueue) ReceiveBatch(context.Context, int) ([]queue.Delivery, error) {
	if f.onReceive != nil {
		f.onReceive()
	}
	return nil, nil
}
func (f *fakeQueue) Ack(_ context.Context, id string) error {
	f.acked = append(f.acked, id)
	return nil
}
func (f *fakeQueue) Nack(_ context.Context, id string) (bool, error) {
	f.nacked = append(f.nacked, id)
	return false, nil
}
func (f *fakeQueue) RequeueExpired(context.Context, time.Time, int64) ([]string, error) {
	return nil, f.requeueErr
}
func (f *fakeQueue) ReadyDepth(context.Context) (int64, error) { return 0, nil }

type fakeBlob struct {
	puts map[string][]byte
}

func (f *fakeBlob) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[key] = body
	return "s3://test/" + key, nil
}

func (f *fakeBlob) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://test/" + key, nil
}

// fakeExporter fails whenever the job's filters carry fail=yes.
type fakeExporter struct{}

func (fakeExporter) Export(_ context.Context, filters map[string]string) (export.Dataset, error) {
	if filters["fail"] == "yes" {
		return export.Dataset{}, errors.New("source scan exploded")
	}
	return export.Dataset{
		Columns: []string{"user_id"},
		Rows:    []map[string]any{{"user_id": "u1"}, {"user_id": "u2"}},
	}, nil
}

func newTestProcessor(st *fakeStore, q *fakeQueue) *Processor {
	cfg := config.Config{ReceiveBatchSize: 10, DownloadTTL: time.Hour, WorkerPollInterval: time.Millisecond}
	p := NewProcessor(cfg, st, q, &fakeBlob{}, map[string]export.Exporter{"users": fakeExporter{}}, zap.NewNop())
	p.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func pendingJob(id string, filters map[string]string) *models.Job {
	return &models.Job{JobID: id, Kind: "users", Format: "csv", Filters: filters, State: models.StatePending}
}

func TestProcessBatchPartialFailure(t *testing.T) {
	st := &fakeStore{jobs: map[string]*models.Job{
		"j1": pendingJob("j1", nil),
		"j2": pendingJob("j2", map[string]string{"fail": "yes"}),
		"j3": pendingJob("j3", nil),
	}}
	q := &fakeQueue{}
	p := newTestProcessor(st, q)

	deliveries := []queue.Delivery{
		{Item: models.WorkItem{JobID: "j1", Kind: "users", Format: "csv"}, ReceiveCount: 1},
		{Item: models.WorkItem{JobID: "j2", Kind: "users", Format: "csv", Filters: map[string]string{"fail": "yes"}}, ReceiveCount: 1},
		{Item: models.WorkItem{JobID: "j3", Kind: "users", Format: "csv"}, ReceiveCount: 1},
	}
	failed := p.ProcessBatch(context.Background(), deliveries)

	if len(failed) != 1 || failed[0] != "j2" {
		t.Fatalf("expected only j2 reported failed, got %v", failed)
	}
	for _, id := range []string{"j1", "j3"} {
		job := st.jobs[id]
		if job.State != models.StateCompleted {
			t.Fatalf("%s: expected completed, got %s", id, job.State)
		}
		if job.ArtifactKey == nil || job.DownloadURL == nil || job.RecordCount == nil {
			t.Fatalf("%s: completed job missing artifact fields: %+v", id, job)
		}
		if *job.RecordCount != 2 {
			t.Fatalf("%s: expected record count 2, got %d", id, *job.RecordCount)
		}
		if job.ErrorDetail != nil {
			t.Fatalf("%s: completed job carries error detail", id)
		}
	}

	j2 := st.jobs["j2"]
	if j2.State != models.StateFailed {
		t.Fatalf("j2: expected failed, got %s", j2.State)
	}
	if j2.ErrorDetail == nil || *j2.ErrorDetail == "" {
		t.Fatal("j2: failed job missing error detail")
	}
	if j2.ArtifactKey != nil || j2.DownloadURL != nil || j2.RecordCount != nil {
		t.Fatalf("j2: failed job carries artifact fields: %+v", j2)
	}

	if len(q.acked) != 2 || len(q.nacked) != 1 || q.nacked[0] != "j2" {
		t.Fatalf("expected acks [j1 j3] nacks [j2], got acks=%v nacks=%v", q.acked, q.nacked)
	}
}

func TestRedeliveryForTerminalJobIsConsumed(t *testing.T) {
	key, url := "exports/users/j1.csv", "https://test/j1"
	count := 7
	st := &fakeStore{jobs: map[string]*models.Job{
		"j1": {JobID: "j1", Kind: "users", Format: "csv", State: models.StateCompleted,
			ArtifactKey: &key, DownloadURL: &url, RecordCount: &count},
	}}
	q := &fakeQueue{}
	p := newTestProcessor(st, q)

	failed := p.ProcessBatch(context.Background(), []queue.Delivery{
		{Item: models.WorkItem{JobID: "j1", Kind: "users", Format: "csv"}, ReceiveCount: 2},
	})

	if len(failed) != 0 {
		t.Fatalf("terminal redelivery reported failed: %v", failed)
	}
	if len(q.acked) != 1 {
		t.Fatalf("expected redelivery acked, got %v", q.acked)
	}
	job := st.jobs["j1"]
	if job.State != models.StateCompleted || *job.RecordCount != 7 || *job.ArtifactKey != key {
		t.Fatalf("terminal record mutated by redelivery: %+v", job)
	}
}

func TestWorkItemWithoutRecordIsConsumed(t *testing.T) {
	st := &fakeStore{jobs: map[string]*models.Job{}}
	q := &fakeQueue{}
	p := newTestProcessor(st, q)

	failed := p.ProcessBatch(context.Background(), []queue.Delivery{
		{Item: models.WorkItem{JobID: "ghost", Kind: "users", Format: "csv"}, ReceiveCount: 1},
	})
	if len(failed) != 0 || len(q.nacked) != 0 {
		t.Fatalf("orphan item should be consumed, failed=%v nacked=%v", failed, q.nacked)
	}
	if len(q.acked) != 1 {
		t.Fatalf("orphan item not acked: %v", q.acked)
	}
}

func TestUnknownKindFailsJob(t *testing.T) {
	st := &fakeStore{jobs: map[string]*models.Job{
		"j1": {JobID: "j1", Kind: "invoices", Format: "csv", State: models.StatePending},
	}}
	q := &fakeQueue{}
	p := newTestProcessor(st, q)

	failed := p.ProcessBatch(context.Background(), []queue.Delivery{
		{Item: models.WorkItem{JobID: "j1", Kind: "invoices", Format: "csv"}, ReceiveCount: 1},
	})
	if len(failed) != 1 {
		t.Fatalf("expected failure for unknown kind, got %v", failed)
	}
	if st.jobs["j1"].State != models.StateFailed {
		t.Fatalf("expected failed state, got %s", st.jobs["j1"].State)
	}
}

func TestRunLogsRequeueFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	st := &fakeStore{jobs: map[string]*models.Job{}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := &fakeQueue{requeueErr: errors.New("redis down"), onReceive: cancel}
	cfg := config.Config{ReceiveBatchSize: 10, DownloadTTL: time.Hour, WorkerPollInterval: time.Millisecond}
	p := NewProcessor(cfg, st, q, &fakeBlob{}, map[string]export.Exporter{"users": fakeExporter{}}, zap.New(core))

	if err := p.Run(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if logs.FilterMessage("requeue expired leases").Len() == 0 {
		t.Fatal("requeue failure not logged")
	}
}

func TestArtifactKeyShape(t *testing.T) {
	st := &fakeStore{jobs: map[string]*models.Job{"j1": pendingJob("j1", nil)}}
	q := &fakeQueue{}
	p := newTestProcessor(st, q)

	p.ProcessBatch(context.Background(), []queue.Delivery{
		{Item: models.WorkItem{JobID: "j1", Kind: "users", Format: "csv"}, ReceiveCount: 1},
	})

	job := st.jobs["j1"]
	want := "exports/users/j1_20240301_120000.csv"
	if job.ArtifactKey == nil || *job.ArtifactKey != want {
		t.Fatalf("expected artifact key %q, got %v", want, job.ArtifactKey)
	}
}
