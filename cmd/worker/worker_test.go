package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mail-scheduler/internal/app"
	"github.com/unclebandit/mail-scheduler/internal/config"
	"github.com/unclebandit/mail-scheduler/internal/queue"
)

func TestMetricsRouter(t *testing.T) {
	a, err := app.New(config.Config{
		DBDriver:    "sqlite",
		DatabaseURL: ":memory:",
		QueueDriver: "memory",
		Transport:   "log",
		Throttle:    config.Throttle{MaxPerHourPerSender: 10, WorkerConcurrency: 1},
		Retry:       config.Retry{MaxAttempts: 1, BackoffInitial: time.Second, MaxPostponements: 1, LeaseTimeout: time.Minute},
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	// one dead letter to list
	ctx := context.Background()
	a.Queue.Enqueue(ctx, "job-1", nil, 0)
	d, err := a.Queue.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if out, _ := a.Queue.Fail(ctx, "job-1", d.Delivery, "550 mailbox unavailable"); !out.DeadLettered {
		t.Fatal("expected dead letter with a single attempt")
	}

	r := newMetricsRouter(a)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dead-letters", nil))
	var resp struct {
		Data []queue.DeadLetter `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 1 || !strings.Contains(resp.Data[0].Reason, "550") {
		t.Errorf("unexpected dead letters %+v", resp.Data)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected healthy worker, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "mailer_dead_letters_total") {
		t.Error("expected dead letter counter exposed")
	}
}
