package api

import (
	"net/http"
)

type statsResponse struct {
	ActiveDeliveries int64 `json:"active_deliveries"`
	DLQSize          int64 `json:"dlq_size"`
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	active, err := h.courier.Store().CountActive(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	dlqCount, err := h.courier.DLQ().Count(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		ActiveDeliveries: active,
		DLQSize:          dlqCount,
	})
}
