// Package httpapi exposes the orchestrator over JSON. Authentication is the
// deployment's concern; the handler trusts the tenant id in the path.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/orchestrator"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

// Handler routes operator requests to the orchestrator.
type Handler struct {
	orc *orchestrator.Orchestrator
}

// NewHandler creates the API handler.
func NewHandler(orc *orchestrator.Orchestrator) *Handler {
	return &Handler{orc: orc}
}

// Register mounts all routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tenants/{tenant}/connections", h.createConnection)
	mux.HandleFunc("GET /v1/tenants/{tenant}/connections", h.listConnections)
	mux.HandleFunc("POST /v1/tenants/{tenant}/messages", h.send)
	mux.HandleFunc("GET /v1/connections/{id}", h.getConnection)
	mux.HandleFunc("DELETE /v1/connections/{id}", h.deleteConnection)
	mux.HandleFunc("GET /v1/connections/{id}/qr", h.refreshQR)
	mux.HandleFunc("POST /v1/connections/{id}/restart", h.restartSession)
	mux.HandleFunc("POST /v1/connections/{id}/owner", h.assignOwner)
}

type createConnectionRequest struct {
	DisplayName string `json:"display_name"`
	Queue       string `json:"queue"`
}

type sendRequest struct {
	RemoteID string `json:"remote_id"`
	Text     string `json:"text"`
}

type assignOwnerRequest struct {
	TenantID string `json:"tenant_id"`
}

// statusFor maps orchestrator error kinds to HTTP status codes.
func statusFor(res orchestrator.Result) int {
	if res.OK {
		return http.StatusOK
	}
	switch res.ErrorKind {
	case "not_found", "provider_not_found":
		return http.StatusNotFound
	case "bad_request", "validation_failed":
		return http.StatusBadRequest
	case "state_conflict":
		return http.StatusConflict
	case "no_capacity", "quota_exceeded":
		return http.StatusTooManyRequests
	case "provider_unreachable", "timeout":
		return http.StatusBadGateway
	case "unauthorized":
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) write(w http.ResponseWriter, res orchestrator.Result) {
	utils.WriteJSONResponse(w, statusFor(res), res)
}

// requestContext stamps tenant and request ids so downstream logs correlate.
func (h *Handler) requestContext(r *http.Request, tenantID string) *http.Request {
	ctx := tenant.WithRequestID(r.Context(), uuid.NewString())
	if tenantID != "" {
		ctx = tenant.WithTenantID(ctx, tenantID)
	}
	return r.WithContext(ctx)
}

func (h *Handler) createConnection(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	r = h.requestContext(r, tenantID)

	var req createConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.write(w, orchestrator.Result{OK: false, ErrorKind: "bad_request", Message: "invalid request body"})
		return
	}
	h.write(w, h.orc.CreateConnection(r.Context(), tenantID, req.DisplayName, req.Queue))
}

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	r = h.requestContext(r, tenantID)
	h.write(w, h.orc.ListConnections(r.Context(), tenantID))
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	r = h.requestContext(r, tenantID)

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RemoteID == "" || req.Text == "" {
		h.write(w, orchestrator.Result{OK: false, ErrorKind: "bad_request", Message: "remote_id and text are required"})
		return
	}
	res := h.orc.Send(r.Context(), tenantID, req.RemoteID, req.Text)
	if !res.OK {
		logger.FromContext(r.Context()).Warn("Send request failed",
			zap.String("tenant_id", tenantID),
			zap.String("error_kind", res.ErrorKind))
	}
	h.write(w, res)
}

func (h *Handler) getConnection(w http.ResponseWriter, r *http.Request) {
	r = h.requestContext(r, "")
	h.write(w, h.orc.GetConnection(r.Context(), r.PathValue("id")))
}

func (h *Handler) deleteConnection(w http.ResponseWriter, r *http.Request) {
	r = h.requestContext(r, "")
	h.write(w, h.orc.DeleteConnection(r.Context(), r.PathValue("id")))
}

func (h *Handler) refreshQR(w http.ResponseWriter, r *http.Request) {
	r = h.requestContext(r, "")
	h.write(w, h.orc.RefreshQR(r.Context(), r.PathValue("id")))
}

func (h *Handler) restartSession(w http.ResponseWriter, r *http.Request) {
	r = h.requestContext(r, "")
	h.write(w, h.orc.RestartSession(r.Context(), r.PathValue("id")))
}

func (h *Handler) assignOwner(w http.ResponseWriter, r *http.Request) {
	r = h.requestContext(r, "")

	var req assignOwnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		h.write(w, orchestrator.Result{OK: false, ErrorKind: "bad_request", Message: "tenant_id is required"})
		return
	}
	h.write(w, h.orc.AssignOwner(r.Context(), r.PathValue("id"), req.TenantID))
}
