package handler

import (
	"net/http"
	"strconv"

	"github.com/unclebandit/mail-scheduler/internal/queue"
)

// DeadLetterHandler lists entries the queue gave up on, newest first.
type DeadLetterHandler struct {
	Queue queue.DelayQueue
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	dead, err := h.Queue.DeadLetters(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": dead})
}
