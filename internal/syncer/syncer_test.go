package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"export-job-service/internal/models"
)

type captureSink struct {
	items []models.ThirdPartyItem
}

func (c *captureSink) PutThirdPartyItem(_ context.Context, item models.ThirdPartyItem) error {
	c.items = append(c.items, item)
	return nil
}

type captureNotifier struct {
	subjects []string
}

func (c *captureNotifier) Notify(_ context.Context, subject, _ string) {
	c.subjects = append(c.subjects, subject)
}

func newTask(t *testing.T, handler http.HandlerFunc, sink ItemSink, notifier Notifier) *Task {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, 2*time.Second, sink, notifier, 4, zap.NewNop())
}

func TestInvokeSuccess(t *testing.T) {
	sink := &captureSink{}
	task := newTask(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/posts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1,"title":"first"},{"id":2,"title":"second"},{"id":3,"title":"third"}]`))
	}, sink, nil)

	res := task.Invoke(context.Background(), models.SyncInput{ResourceType: "posts", Limit: 2, Attempt: 1})

	if !res.Success || res.ShouldRetry {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.SyncedCount != 2 || len(sink.items) != 2 {
		t.Fatalf("expected limit to cap at 2 items, got %d/%d", res.SyncedCount, len(sink.items))
	}
	if sink.items[0].ItemID != "posts_1" || sink.items[0].Title == nil || *sink.items[0].Title != "first" {
		t.Fatalf("unexpected first item: %+v", sink.items[0])
	}
	if sink.items[0].SyncAttempt != 1 {
		t.Fatalf("attempt not threaded into item: %+v", sink.items[0])
	}
}

func TestInvokeServerErrorIsRetryable(t *testing.T) {
	task := newTask(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, &captureSink{}, nil)

	res := task.Invoke(context.Background(), models.SyncInput{ResourceType: "posts", Limit: 5, Attempt: 2})

	if res.Success {
		t.Fatal("expected failure on 500")
	}
	if !res.ShouldRetry {
		t.Fatal("server errors should be retryable")
	}
	if res.Attempt != 2 {
		t.Fatalf("attempt not echoed, got %d", res.Attempt)
	}
}

func TestInvokeRateLimitIsRetryable(t *testing.T) {
	task := newTask(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, &captureSink{}, nil)

	res := task.Invoke(context.Background(), models.SyncInput{ResourceType: "todos", Limit: 5, Attempt: 1})
	if res.Success || !res.ShouldRetry {
		t.Fatalf("expected retryable failure on 429, got %+v", res)
	}
}

func TestInvokeInvalidResourceNotRetryable(t *testing.T) {
	task := newTask(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("api should not be called for invalid resource")
	}, &captureSink{}, nil)

	res := task.Invoke(context.Background(), models.SyncInput{ResourceType: "widgets", Limit: 5, Attempt: 1})
	if res.Success {
		t.Fatal("expected validation failure")
	}
	if res.ShouldRetry {
		t.Fatal("validation failures must not be retried")
	}
}

func TestInvokeNotifiesOnUnexpectedFinalAttempt(t *testing.T) {
	notifier := &captureNotifier{}
	task := newTask(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`not json`))
	}, &captureSink{}, notifier)

	// Below the final attempt: no alert.
	task.Invoke(context.Background(), models.SyncInput{ResourceType: "posts", Limit: 1, Attempt: 2})
	if len(notifier.subjects) != 0 {
		t.Fatalf("unexpected alert before final attempt: %v", notifier.subjects)
	}

	// Final attempt: best-effort alert fires.
	task.Invoke(context.Background(), models.SyncInput{ResourceType: "posts", Limit: 1, Attempt: 4})
	if len(notifier.subjects) != 1 {
		t.Fatalf("expected one alert on final attempt, got %v", notifier.subjects)
	}
}
