package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hookline/courier"
	"github.com/hookline/courier/event"
	"github.com/hookline/courier/id"
)

type emitEventRequest struct {
	Kind           string          `json:"kind"`
	TenantID       string          `json:"tenant_id"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     *time.Time      `json:"occurred_at,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type emitEventResponse struct {
	EventID             id.ID `json:"event_id"`
	DeliveriesScheduled int   `json:"deliveries_scheduled"`
}

func (h *Handler) emitEvent(w http.ResponseWriter, r *http.Request) {
	var req emitEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
	}

	evt := &event.Event{
		Kind:           req.Kind,
		TenantID:       req.TenantID,
		Payload:        payload,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.OccurredAt != nil {
		evt.OccurredAt = *req.OccurredAt
	}

	res, err := h.courier.Emit(r.Context(), evt)
	if err != nil {
		switch {
		case errors.Is(err, courier.ErrTenantRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, courier.ErrEventKindNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, courier.ErrEventKindDeprecated),
			errors.Is(err, courier.ErrPayloadValidationFailed):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, emitEventResponse{
		EventID:             res.EventID,
		DeliveriesScheduled: res.DeliveriesScheduled,
	})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	opts := event.ListOpts{
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 50),
		Kind:   queryParam(r, "kind"),
	}

	var (
		events []*event.Event
		err    error
	)
	if tenantID := queryParam(r, "tenant_id"); tenantID != "" {
		events, err = h.courier.Store().ListEventsByTenant(r.Context(), tenantID, opts)
	} else {
		events, err = h.courier.Store().ListEvents(r.Context(), opts)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	evtID, err := id.ParseEventID(pathVar(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event ID")
		return
	}

	evt, getErr := h.courier.Store().GetEvent(r.Context(), evtID)
	if getErr != nil {
		if errors.Is(getErr, courier.ErrEventNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, getErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, evt)
}

func (h *Handler) listEventDeliveries(w http.ResponseWriter, r *http.Request) {
	evtID, err := id.ParseEventID(pathVar(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event ID")
		return
	}

	deliveries, listErr := h.courier.Store().ListByEvent(r.Context(), evtID)
	if listErr != nil {
		writeError(w, http.StatusInternalServerError, listErr.Error())
		return
	}

	writeJSON(w, http.StatusOK, deliveries)
}
