package api

import (
	"errors"
	"net/http"

	"github.com/hookline/courier"
	"github.com/hookline/courier/delivery"
	"github.com/hookline/courier/id"
)

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	subID, err := id.ParseSubscriptionID(pathVar(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	opts := delivery.ListOpts{
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 50),
	}
	if stateStr := queryParam(r, "state"); stateStr != "" {
		state := delivery.State(stateStr)
		opts.State = &state
	}

	deliveries, listErr := h.courier.Store().ListBySubscription(r.Context(), subID, opts)
	if listErr != nil {
		writeError(w, http.StatusInternalServerError, listErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, deliveries)
}

func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	delID, err := id.ParseDeliveryID(pathVar(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery ID")
		return
	}

	d, getErr := h.courier.Store().GetDelivery(r.Context(), delID)
	if getErr != nil {
		if errors.Is(getErr, courier.ErrDeliveryNotFound) {
			writeError(w, http.StatusNotFound, "delivery not found")
			return
		}
		writeError(w, http.StatusInternalServerError, getErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) retryDelivery(w http.ResponseWriter, r *http.Request) {
	delID, err := id.ParseDeliveryID(pathVar(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery ID")
		return
	}

	d, retryErr := h.courier.RetryDelivery(r.Context(), delID)
	if retryErr != nil {
		switch {
		case errors.Is(retryErr, courier.ErrDeliveryNotFound):
			writeError(w, http.StatusNotFound, "delivery not found")
		case errors.Is(retryErr, courier.ErrDeliveryNotRetryable):
			writeError(w, http.StatusConflict, retryErr.Error())
		default:
			writeError(w, http.StatusInternalServerError, retryErr.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, d)
}
