package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbox-dispatcher/internal/event"
)

type fakeStore struct {
	events      []event.Event
	total       int
	deadEvent   event.Event
	deadFound   bool
	resetOK     bool
	resetBatchN int
	err         error
}

func (s *fakeStore) FetchDeadEvents(ctx context.Context, limit, offset int, aggregateType, eventType string) ([]event.Event, error) {
	return s.events, s.err
}

func (s *fakeStore) CountDeadEvents(ctx context.Context, aggregateType, eventType string) (int, error) {
	return s.total, s.err
}

func (s *fakeStore) GetDeadEvent(ctx context.Context, id int64) (event.Event, bool, error) {
	return s.deadEvent, s.deadFound, s.err
}

func (s *fakeStore) ResetDeadToPending(ctx context.Context, id int64) (bool, error) {
	return s.resetOK, s.err
}

func (s *fakeStore) ResetDeadToPendingBatch(ctx context.Context, ids []int64) (int, error) {
	return s.resetBatchN, s.err
}

type fakePinger struct{ connected bool }

func (p *fakePinger) IsConnected(ctx context.Context) bool { return p.connected }

func newTestMux(store DeadLetterStore, ready Pinger) http.Handler {
	s := New(Config{Port: 0}, store, ready, nil, nil)
	return s.http.Handler
}

func TestHealth(t *testing.T) {
	h := newTestMux(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReady_Connected(t *testing.T) {
	h := newTestMux(nil, &fakePinger{connected: true})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReady_NotConnected(t *testing.T) {
	h := newTestMux(nil, &fakePinger{connected: false})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp readyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not ready", resp.Status)
	assert.NotEmpty(t, resp.Reason)
}

func TestMetrics_ReturnsPrometheusFormat(t *testing.T) {
	h := newTestMux(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListDeadEvents_StoreNotConfigured(t *testing.T) {
	h := newTestMux(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/dead-events", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListDeadEvents_ReturnsEvents(t *testing.T) {
	store := &fakeStore{
		events: []event.Event{{ID: 1, EventType: "order.created"}},
		total:  1,
	}
	h := newTestMux(store, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/dead-events", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, int64(1), resp.Events[0].ID)
	assert.Equal(t, 1, resp.Total)
}

func TestGetDeadEvent_NotFound(t *testing.T) {
	store := &fakeStore{deadFound: false}
	h := newTestMux(store, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/dead-events/42", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetDeadEvent_Found(t *testing.T) {
	store := &fakeStore{deadFound: true, deadEvent: event.Event{ID: 42, EventType: "order.created"}}
	h := newTestMux(store, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/dead-events/42", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp event.JSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp.ID)
}

func TestGetDeadEvent_InvalidID(t *testing.T) {
	h := newTestMux(&fakeStore{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/dead-events/not-a-number", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetryDeadEvent_NotDead(t *testing.T) {
	store := &fakeStore{resetOK: false}
	h := newTestMux(store, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/dead-events/42/retry", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryDeadEvent_Success(t *testing.T) {
	store := &fakeStore{resetOK: true}
	h := newTestMux(store, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/dead-events/42/retry", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRetryBatch_EmptyIDs(t *testing.T) {
	store := &fakeStore{resetBatchN: 0}
	h := newTestMux(store, nil)
	body, _ := json.Marshal(retryBatchRequest{IDs: nil})
	req := httptest.NewRequest(http.MethodPost, "/api/dead-events/retry-batch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp retryBatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.RetriedCount)
}

func TestRetryBatch_Success(t *testing.T) {
	store := &fakeStore{resetBatchN: 2}
	h := newTestMux(store, nil)
	body, _ := json.Marshal(retryBatchRequest{IDs: []int64{1, 2}})
	req := httptest.NewRequest(http.MethodPost, "/api/dead-events/retry-batch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp retryBatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.RetriedCount)
}

func TestRetryBatch_WireContractUsesEventIDsKey(t *testing.T) {
	store := &fakeStore{resetBatchN: 2}
	h := newTestMux(store, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/dead-events/retry-batch", bytes.NewReader([]byte(`{"event_ids":[1,2]}`)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp retryBatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.RetriedCount)
}

func TestRetryBatchKey_OrderIndependent(t *testing.T) {
	assert.Equal(t, retryBatchKey([]int64{1, 2, 3}), retryBatchKey([]int64{3, 1, 2}))
}

func TestRetryBatchKey_DifferentSetsDiffer(t *testing.T) {
	assert.NotEqual(t, retryBatchKey([]int64{1, 2}), retryBatchKey([]int64{1, 3}))
}
