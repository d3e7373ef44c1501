// Package syncer pulls resources from the third-party API into the store.
// Failures are classified retryable or not at the point of construction and
// reported back to the retry orchestrator through the SyncResult, never
// through panics or bare errors.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"export-job-service/internal/errs"
	"export-job-service/internal/models"
	"export-job-service/internal/telemetry"
)

// Resource types the third-party API serves.
var validResources = map[string]bool{
	"posts":    true,
	"users":    true,
	"comments": true,
	"todos":    true,
	"albums":   true,
}

// ValidResource reports whether the API serves the resource type.
func ValidResource(resourceType string) bool {
	return validResources[resourceType]
}

// ItemSink is the slice of the store the syncer writes to.
type ItemSink interface {
	PutThirdPartyItem(ctx context.Context, item models.ThirdPartyItem) error
}

// Notifier receives best-effort alerts for unexpected failures on the final
// attempt.
type Notifier interface {
	Notify(ctx context.Context, subject, message string)
}

// LogNotifier is the default notifier: a structured log line.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Notify(_ context.Context, subject, message string) {
	n.Logger.Warn("sync alert", zap.String("subject", subject), zap.String("message", message))
}

// Task invokes the third-party API and persists the pulled items.
type Task struct {
	baseURL     string
	client      *http.Client
	sink        ItemSink
	notifier    Notifier
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

// New builds the sync task. maxAttempts gates the final-attempt notification.
func New(baseURL string, timeout time.Duration, sink ItemSink, notifier Notifier, maxAttempts int, logger *zap.Logger) *Task {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Task{
		baseURL:     baseURL,
		client:      &http.Client{Timeout: timeout},
		sink:        sink,
		notifier:    notifier,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Invoke performs one sync round. It never returns a transport error to the
// orchestrator; every outcome is folded into the SyncResult so the state
// machine branches on data, not exceptions.
func (t *Task) Invoke(ctx context.Context, in models.SyncInput) models.SyncResult {
	telemetry.SyncInvocations.Inc()
	t.logger.Info("sync attempt",
		zap.String("resource_type", in.ResourceType),
		zap.Int("limit", in.Limit),
		zap.Int("attempt", in.Attempt))

	count, err := t.sync(ctx, in)
	if err == nil {
		return models.SyncResult{
			Success:     true,
			Message:     fmt.Sprintf("synced %d %s", count, in.ResourceType),
			SyncedCount: count,
			Attempt:     in.Attempt,
		}
	}

	retryable := errs.IsRetryable(err)
	t.logger.Warn("sync attempt failed",
		zap.Int("attempt", in.Attempt),
		zap.Bool("retryable", retryable),
		zap.Error(err))

	// Unexpected (non-validation, non-API) failures on the final attempt get
	// a best-effort alert.
	if t.notifier != nil && !retryable && errs.KindOf(err) != errs.KindValidation && in.Attempt >= t.maxAttempts {
		t.notifier.Notify(ctx,
			fmt.Sprintf("third-party sync failed after %d attempts", in.Attempt),
			fmt.Sprintf("resource_type=%s error=%s", in.ResourceType, err))
	}

	return models.SyncResult{
		Success:     false,
		ShouldRetry: retryable,
		Message:     err.Error(),
		Attempt:     in.Attempt,
	}
}

func (t *Task) sync(ctx context.Context, in models.SyncInput) (int, error) {
	if !ValidResource(in.ResourceType) {
		return 0, errs.Validation("invalid resource type %q", in.ResourceType)
	}

	url := fmt.Sprintf("%s/%s", t.baseURL, in.ResourceType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errs.External(false, "build request: %v", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient by nature.
		return 0, errs.External(true, "call third-party api: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, errs.External(true, "api rate limit exceeded")
	case resp.StatusCode >= http.StatusInternalServerError:
		return 0, errs.External(true, "api server error: %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return 0, errs.External(true, "api request failed: %d", resp.StatusCode)
	}

	var items []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return 0, errs.External(false, "decode response: %v", err)
	}
	if in.Limit > 0 && len(items) > in.Limit {
		items = items[:in.Limit]
	}

	syncedAt := t.now().UTC()
	for i, raw := range items {
		item, err := buildItem(in, raw, i, syncedAt)
		if err != nil {
			return 0, err
		}
		if err := t.sink.PutThirdPartyItem(ctx, item); err != nil {
			return 0, errs.External(false, "store item %s: %v", item.ItemID, err)
		}
	}
	t.logger.Info("sync succeeded", zap.Int("attempt", in.Attempt), zap.Int("synced", len(items)))
	return len(items), nil
}

func buildItem(in models.SyncInput, raw map[string]any, idx int, syncedAt time.Time) (models.ThirdPartyItem, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return models.ThirdPartyItem{}, errs.External(false, "marshal item: %v", err)
	}

	id := fmt.Sprintf("%v", raw["id"])
	if raw["id"] == nil {
		id = fmt.Sprintf("%d", idx)
	}
	item := models.ThirdPartyItem{
		ItemID:       fmt.Sprintf("%s_%s", in.ResourceType, id),
		Source:       "jsonplaceholder",
		ResourceType: in.ResourceType,
		Data:         string(data),
		SyncAttempt:  in.Attempt,
		SyncedAt:     syncedAt,
	}
	// Promote searchable fields when present.
	if v, ok := raw["title"].(string); ok {
		item.Title = &v
	}
	if v, ok := raw["name"].(string); ok {
		item.Name = &v
	}
	if v, ok := raw["email"].(string); ok {
		item.Email = &v
	}
	return item, nil
}
