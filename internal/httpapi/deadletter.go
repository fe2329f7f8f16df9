package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"outbox-dispatcher/internal/event"
	"outbox-dispatcher/pkg/idempotency"
)

type deadLetterAPI struct {
	store DeadLetterStore
	dedup idempotency.Checker
}

type listResponse struct {
	Events []event.JSON `json:"events"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// list handles GET /api/dead-events?limit=&offset=&aggregate_type=&event_type=
func (a *deadLetterAPI) list(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "dead-letter store not configured")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	aggregateType := q.Get("aggregate_type")
	eventType := q.Get("event_type")

	events, err := a.store.FetchDeadEvents(r.Context(), limit, offset, aggregateType, eventType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := a.store.CountDeadEvents(r.Context(), aggregateType, eventType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := listResponse{Events: make([]event.JSON, 0, len(events)), Total: total, Limit: limit, Offset: offset}
	for _, ev := range events {
		resp.Events = append(resp.Events, ev.ToJSON())
	}
	writeJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	DeadCount int `json:"dead_count"`
}

// stats handles GET /api/dead-events/stats?aggregate_type=&event_type=
func (a *deadLetterAPI) stats(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "dead-letter store not configured")
		return
	}
	q := r.URL.Query()
	count, err := a.store.CountDeadEvents(r.Context(), q.Get("aggregate_type"), q.Get("event_type"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{DeadCount: count})
}

// get handles GET /api/dead-events/{id}
func (a *deadLetterAPI) get(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "dead-letter store not configured")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	ev, found, err := a.store.GetDeadEvent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "dead event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev.ToJSON())
}

type retryResponse struct {
	Retried bool `json:"retried"`
}

// retry handles POST /api/dead-events/{id}/retry
func (a *deadLetterAPI) retry(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "dead-letter store not configured")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	ok, err := a.store.ResetDeadToPending(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "event is not dead")
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{Retried: true})
}

type retryBatchRequest struct {
	IDs []int64 `json:"event_ids"`
}

type retryBatchResponse struct {
	RetriedCount int `json:"retried_count"`
}

// retryBatch handles POST /api/dead-events/retry-batch.
func (a *deadLetterAPI) retryBatch(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "dead-letter store not configured")
		return
	}
	var req retryBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(w, http.StatusOK, retryBatchResponse{RetriedCount: 0})
		return
	}

	if a.dedup != nil {
		key := retryBatchKey(req.IDs)
		if err := a.dedup.Check(r.Context(), key); err != nil {
			if errors.Is(err, idempotency.ErrDuplicateRequest) {
				writeError(w, http.StatusConflict, "identical retry-batch request already submitted")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	count, err := a.store.ResetDeadToPendingBatch(r.Context(), req.IDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, retryBatchResponse{RetriedCount: count})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// retryBatchKey derives a stable idempotency key from an unordered set of
// ids, so resubmitting the same batch (regardless of id order) is detected
// as a duplicate within the checker's TTL window.
func retryBatchKey(ids []int64) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	h := sha256.New()
	for _, id := range sorted {
		fmt.Fprintf(h, "%d,", id)
	}
	return "retry-batch:" + hex.EncodeToString(h.Sum(nil))
}
