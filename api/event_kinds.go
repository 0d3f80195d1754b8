package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hookline/courier"
	"github.com/hookline/courier/catalog"
)

type registerEventKindRequest struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Group         string            `json:"group,omitempty"`
	Schema        json.RawMessage   `json:"schema,omitempty"`
	SchemaVersion string            `json:"schema_version,omitempty"`
	Version       string            `json:"version,omitempty"`
	Example       json.RawMessage   `json:"example,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) registerEventKind(w http.ResponseWriter, r *http.Request) {
	var req registerEventKindRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	def := catalog.Definition{
		Name:          req.Name,
		Description:   req.Description,
		Group:         req.Group,
		Schema:        req.Schema,
		SchemaVersion: req.SchemaVersion,
		Version:       req.Version,
		Example:       req.Example,
	}

	var opts []catalog.RegisterOption
	if req.Metadata != nil {
		opts = append(opts, catalog.WithMetadata(req.Metadata))
	}

	k, err := h.courier.RegisterEventKind(r.Context(), def, opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, k)
}

func (h *Handler) listEventKinds(w http.ResponseWriter, r *http.Request) {
	opts := catalog.ListOpts{
		Offset:            queryInt(r, "offset", 0),
		Limit:             queryInt(r, "limit", 50),
		Group:             queryParam(r, "group"),
		IncludeDeprecated: queryParam(r, "include_deprecated") == "true",
	}

	kinds, err := h.courier.Catalog().ListKinds(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, kinds)
}

func (h *Handler) getEventKind(w http.ResponseWriter, r *http.Request) {
	k, err := h.courier.Catalog().GetKind(r.Context(), pathVar(r, "name"))
	if err != nil {
		if errors.Is(err, courier.ErrEventKindNotFound) {
			writeError(w, http.StatusNotFound, "event kind not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, k)
}

func (h *Handler) deleteEventKind(w http.ResponseWriter, r *http.Request) {
	err := h.courier.Catalog().DeleteKind(r.Context(), pathVar(r, "name"))
	if err != nil {
		if errors.Is(err, courier.ErrEventKindNotFound) {
			writeError(w, http.StatusNotFound, "event kind not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
