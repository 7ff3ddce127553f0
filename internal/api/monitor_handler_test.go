package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/registrarlab/registrar-api/internal/queue"
)

type fakeMonitor struct {
	events  []queue.Event
	workers map[string]time.Time
}

func (f *fakeMonitor) RecentEvents(ctx context.Context, limit int) ([]queue.Event, error) {
	if limit < len(f.events) {
		return f.events[:limit], nil
	}
	return f.events, nil
}

func (f *fakeMonitor) ActiveWorkers(ctx context.Context) (map[string]time.Time, error) {
	return f.workers, nil
}

func TestMonitorEndpointsUnavailableWithoutPublisher(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/queue/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doJSON(t, env.router, http.MethodGet, "/api/v1/queue/workers", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecentEventsEndpoint(t *testing.T) {
	t.Parallel()

	monitor := &fakeMonitor{
		events: []queue.Event{
			queue.NewEvent(queue.EventTaskCompleted, nil, "worker_1", nil),
			queue.NewEvent(queue.EventTaskStarted, nil, "worker_1", nil),
		},
	}
	env := newTestEnv(t, monitor)

	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/queue/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []queue.Event `json:"events"`
		Count  int           `json:"count"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, queue.EventTaskCompleted, resp.Events[0].Type)

	rec = doJSON(t, env.router, http.MethodGet, "/api/v1/queue/events?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Equal(t, 1, resp.Count)

	rec = doJSON(t, env.router, http.MethodGet, "/api/v1/queue/events?limit=junk", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActiveWorkersEndpoint(t *testing.T) {
	t.Parallel()

	monitor := &fakeMonitor{
		workers: map[string]time.Time{
			"worker_1": time.Now().UTC(),
			"worker_2": time.Now().UTC(),
		},
	}
	env := newTestEnv(t, monitor)

	rec := doJSON(t, env.router, http.MethodGet, "/api/v1/queue/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Workers map[string]time.Time `json:"workers"`
		Count   int                  `json:"count"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.Count)
	assert.Contains(t, resp.Workers, "worker_1")
}
