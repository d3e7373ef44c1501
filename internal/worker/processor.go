package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"export-job-service/internal/config"
	"export-job-service/internal/errs"
	"export-job-service/internal/export"
	"export-job-service/internal/models"
	"export-job-service/internal/queue"
	"export-job-service/internal/telemetry"
)

// JobStore is the slice of the store the worker mutates. Only the worker
// moves jobs past pending.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id, artifactKey, downloadURL string, recordCount int) (bool, error)
	MarkFailed(ctx context.Context, id, detail string) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// WorkQueue is the delivery channel contract the worker consumes.
type WorkQueue interface {
	ReceiveBatch(ctx context.Context, max int) ([]queue.Delivery, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string) (bool, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// BlobStore writes artifacts and issues download URLs.
type BlobStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Processor drives the export worker loop: receive a batch, process each
// item independently, ack successes and nack failures.
type Processor struct {
	cfg       config.Config
	store     JobStore
	queue     WorkQueue
	blob      BlobStore
	exporters map[string]export.Exporter
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessor wires the worker from its collaborators.
func NewProcessor(cfg config.Config, st JobStore, q WorkQueue, b BlobStore, exporters map[string]export.Exporter, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:       cfg,
		store:     st,
		queue:     q,
		blob:      b,
		exporters: exporters,
		logger:    logger,
		now:       time.Now,
	}
}

// Run polls the queue until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	lastPurge := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, p.now(), 100); err != nil {
			p.logger.Warn("requeue expired leases", zap.Error(err))
		} else if len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			p.logger.Info("requeued expired leases", zap.Int("count", len(reclaimed)))
		}
		if p.now().Sub(lastPurge) > time.Hour {
			if n, err := p.store.PurgeExpired(ctx, p.now()); err != nil {
				p.logger.Warn("purge expired jobs", zap.Error(err))
			} else if n > 0 {
				p.logger.Info("purged expired jobs", zap.Int64("count", n))
			}
			lastPurge = p.now()
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		deliveries, err := p.queue.ReceiveBatch(ctx, p.cfg.ReceiveBatchSize)
		if err != nil {
			p.logger.Warn("receive batch", zap.Error(err))
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if len(deliveries) == 0 {
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.ProcessBatch(ctx, deliveries)
	}
}

// ProcessBatch handles each delivery independently: one item's failure never
// aborts or rolls back its siblings. Returns the job IDs whose deliveries
// were reported failed.
func (p *Processor) ProcessBatch(ctx context.Context, deliveries []queue.Delivery) []string {
	var failed []string
	for _, d := range deliveries {
		telemetry.InFlightGauge.Inc()
		err := p.processOne(ctx, d.Item)
		telemetry.InFlightGauge.Dec()
		if err == nil {
			if ackErr := p.queue.Ack(ctx, d.Item.JobID); ackErr != nil {
				p.logger.Warn("ack", zap.String("job_id", d.Item.JobID), zap.Error(ackErr))
			}
			continue
		}

		failed = append(failed, d.Item.JobID)
		p.logger.Error("export failed", zap.String("job_id", d.Item.JobID), zap.Error(err))
		dead, nackErr := p.queue.Nack(ctx, d.Item.JobID)
		if nackErr != nil {
			p.logger.Warn("nack", zap.String("job_id", d.Item.JobID), zap.Error(nackErr))
			continue
		}
		if dead {
			telemetry.ExportsDeadLetter.Inc()
			p.logger.Warn("work item dead-lettered", zap.String("job_id", d.Item.JobID))
		}
	}
	return failed
}

// processOne re-reads the authoritative job, claims it, runs the export
// transform, and records the terminal state. A nil return means the delivery
// is consumed; an error means it should be redelivered.
func (p *Processor) processOne(ctx context.Context, item models.WorkItem) error {
	job, err := p.store.GetJob(ctx, item.JobID)
	if errors.Is(err, errs.ErrNotFound) {
		// Message without a backing record; consuming it is all we can do.
		p.logger.Warn("work item without job record", zap.String("job_id", item.JobID))
		return nil
	}
	if err != nil {
		return errs.Dependency("fetch job", err)
	}
	if models.IsTerminal(job.State) {
		// Redelivery for a finished job; leave the record untouched.
		return nil
	}

	claimed, err := p.store.MarkProcessing(ctx, job.JobID)
	if err != nil {
		return errs.Dependency("mark processing", err)
	}
	if !claimed {
		return nil
	}

	key, url, count, err := p.runExport(ctx, job)
	if err != nil {
		if _, markErr := p.store.MarkFailed(ctx, job.JobID, err.Error()); markErr != nil {
			p.logger.Error("mark failed", zap.String("job_id", job.JobID), zap.Error(markErr))
		}
		telemetry.ExportsFailed.Inc()
		return err
	}

	if _, err := p.store.MarkCompleted(ctx, job.JobID, key, url, count); err != nil {
		return errs.Dependency("mark completed", err)
	}
	telemetry.ExportsCompleted.Inc()
	p.logger.Info("export completed",
		zap.String("job_id", job.JobID),
		zap.String("kind", job.Kind),
		zap.Int("records", count),
		zap.String("artifact", key))
	return nil
}

func (p *Processor) runExport(ctx context.Context, job models.Job) (key, url string, count int, err error) {
	exporter, ok := p.exporters[job.Kind]
	if !ok {
		return "", "", 0, errs.Processing(fmt.Errorf("unknown export kind %q", job.Kind))
	}

	dataset, err := exporter.Export(ctx, job.Filters)
	if err != nil {
		return "", "", 0, errs.Processing(err)
	}
	body, contentType, ext, err := export.Encode(dataset, job.Format)
	if err != nil {
		return "", "", 0, errs.Processing(err)
	}

	key = fmt.Sprintf("exports/%s/%s_%s.%s", job.Kind, job.JobID, p.now().UTC().Format("20060102_150405"), ext)
	if _, err := p.blob.Put(ctx, key, body, contentType); err != nil {
		return "", "", 0, errs.Processing(fmt.Errorf("upload artifact: %w", err))
	}
	url, err = p.blob.PresignGet(ctx, key, p.cfg.DownloadTTL)
	if err != nil {
		return "", "", 0, errs.Processing(fmt.Errorf("presign artifact: %w", err))
	}
	return key, url, len(dataset.Rows), nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
