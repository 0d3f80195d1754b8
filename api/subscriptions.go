package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hookline/courier"
	"github.com/hookline/courier/id"
	"github.com/hookline/courier/subscription"
)

type subscriptionRequest struct {
	TenantID    string            `json:"tenant_id"`
	URL         string            `json:"url"`
	Description string            `json:"description,omitempty"`
	EventKinds  []string          `json:"event_kinds"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	TimeoutSec  int               `json:"timeout_seconds,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	RateLimit   int               `json:"rate_limit,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (req *subscriptionRequest) input() subscription.Input {
	return subscription.Input{
		TenantID:    req.TenantID,
		URL:         req.URL,
		Description: req.Description,
		EventKinds:  req.EventKinds,
		MaxAttempts: req.MaxAttempts,
		Timeout:     time.Duration(req.TimeoutSec) * time.Second,
		Headers:     req.Headers,
		RateLimit:   req.RateLimit,
		Metadata:    req.Metadata,
	}
}

// createSubscriptionResponse carries the signing secret exactly once, in
// the create response. Every other serialization of a subscription omits it.
type createSubscriptionResponse struct {
	*subscription.Subscription
	Secret string `json:"secret"`
}

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.courier.Subscriptions().Create(r.Context(), req.input())
	if err != nil {
		var verr *subscription.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createSubscriptionResponse{
		Subscription: sub,
		Secret:       sub.Secret,
	})
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	tenantID := queryParam(r, "tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id query parameter is required")
		return
	}

	opts := subscription.ListOpts{
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 50),
	}
	if statusStr := queryParam(r, "status"); statusStr != "" {
		status := subscription.Status(statusStr)
		opts.Status = &status
	}

	subs, err := h.courier.Subscriptions().List(r.Context(), tenantID, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	subID, err := id.ParseSubscriptionID(pathVar(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	sub, getErr := h.courier.Subscriptions().Get(r.Context(), subID)
	if getErr != nil {
		h.writeSubscriptionError(w, getErr)
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) updateSubscription(w http.ResponseWriter, r *http.Request) {
	subID, err := id.ParseSubscriptionID(pathVar(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	var req subscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, updateErr := h.courier.Subscriptions().Update(r.Context(), subID, req.input())
	if updateErr != nil {
		var verr *subscription.ValidationError
		if errors.As(updateErr, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		h.writeSubscriptionError(w, updateErr)
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	subID, err := id.ParseSubscriptionID(pathVar(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	if deleteErr := h.courier.Subscriptions().Delete(r.Context(), subID); deleteErr != nil {
		h.writeSubscriptionError(w, deleteErr)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pauseSubscription(w http.ResponseWriter, r *http.Request) {
	h.setSubscriptionStatus(w, r, h.courier.Subscriptions().Pause)
}

func (h *Handler) resumeSubscription(w http.ResponseWriter, r *http.Request) {
	h.setSubscriptionStatus(w, r, h.courier.Subscriptions().Resume)
}

func (h *Handler) setSubscriptionStatus(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, subID id.ID) error) {
	subID, err := id.ParseSubscriptionID(pathVar(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	if setErr := transition(r.Context(), subID); setErr != nil {
		h.writeSubscriptionError(w, setErr)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type testSubscriptionRequest struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

func (h *Handler) testSubscription(w http.ResponseWriter, r *http.Request) {
	subID, err := id.ParseSubscriptionID(pathVar(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return
	}

	var req testSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	d, sendErr := h.courier.SendTest(r.Context(), subID, req.Kind, req.Payload)
	if sendErr != nil {
		h.writeSubscriptionError(w, sendErr)
		return
	}

	writeJSON(w, http.StatusAccepted, d)
}

func (h *Handler) writeSubscriptionError(w http.ResponseWriter, err error) {
	if errors.Is(err, courier.ErrSubscriptionNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
