// Package logs serves the guarded log API: log queries, the non-query guarded
// actions and the audit listing. Handlers only translate HTTP to pipeline calls;
// every decision and every audit write happens in the pipeline, and its typed
// errors are mapped onto statuses here.
package logs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/logwarden/logwarden/internal/access"
	"github.com/logwarden/logwarden/internal/audit"
	"github.com/logwarden/logwarden/internal/middleware"
	"github.com/logwarden/logwarden/internal/pipeline"
)

const maxBodyBytes = 64 << 10

// Guard is the pipeline as seen by the handlers.
type Guard interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
	Authorize(ctx context.Context, req pipeline.ActionRequest) (access.Decision, error)
	ReadAudit(ctx context.Context, req pipeline.AuditReadRequest) (*audit.Page, error)
}

// Handler handles the guarded log endpoints
type Handler struct {
	guard          Guard
	auditReadRoles []string
	logger         *slog.Logger
}

// NewHandler creates a handler. auditReadRoles gates GET /api/v1/audit.
func NewHandler(guard Guard, auditReadRoles []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{guard: guard, auditReadRoles: auditReadRoles, logger: logger}
}

// ActionResponse is returned when a guarded action is allowed.
type ActionResponse struct {
	Action     string `json:"action"`
	Allowed    bool   `json:"allowed"`
	AccessMode string `json:"accessMode"`
	Warning    string `json:"warning,omitempty"`
}

// @Summary      Query logs
// @Description  Runs a bounded log query through access control, quota, validation, upstream fetch and redaction. The body holds the raw query parameters (since, start, end, limit, level, search); an empty body uses the defaults.
// @Tags         Logs
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  pipeline.Response
// @Failure      400  {object}  map[string]interface{}  "Invalid query"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      403  {object}  map[string]interface{}  "Forbidden"
// @Failure      429  {object}  map[string]interface{}  "Rate limited"
// @Failure      502  {object}  map[string]interface{}  "Upstream error"
// @Failure      504  {object}  map[string]interface{}  "Upstream timeout"
// @Router       /api/v1/logs/query [post]
// QueryLogs runs one log query.
func (h *Handler) QueryLogs(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}

	// a body that does not decode still goes through access control and
	// quota, and fails validation there
	params, decodeErr := decodeObject(c)

	resp, err := h.guard.Run(c.Request.Context(), pipeline.Request{
		Caller:    caller,
		Params:    params,
		DecodeErr: decodeErr,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary      Authorize a guarded action
// @Description  Checks whether the caller may perform a non-query action (share, incident_draft, thread_note, saved_view_*) and records the decision. The optional JSON body is stored as the audit scope.
// @Tags         Logs
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        action  path  string  true  "Action name"
// @Success      200  {object}  ActionResponse
// @Failure      403  {object}  map[string]interface{}  "Forbidden"
// @Failure      404  {object}  map[string]interface{}  "Unknown action"
// @Router       /api/v1/actions/{action} [post]
// AuthorizeAction checks a non-query action.
func (h *Handler) AuthorizeAction(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}

	action := c.Param("action")
	if !pipeline.IsGuardedAction(action) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "Unknown action: " + action,
			"reason": pipeline.ReasonUnknownAction,
		})
		return
	}

	scope, decodeErr := decodeObject(c)

	decision, err := h.guard.Authorize(c.Request.Context(), pipeline.ActionRequest{
		Caller:    caller,
		Action:    action,
		Scope:     scope,
		DecodeErr: decodeErr,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := ActionResponse{Action: action, Allowed: true, AccessMode: decision.Mode}
	if decision.Mode == access.DecisionFallback {
		resp.Warning = decision.Reason
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary      List audit entries
// @Description  Returns audit entries newest first. Restricted to the configured audit reader roles.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        offset   query  int     false  "Entries to skip"
// @Param        limit    query  int     false  "Page size (max 500)"
// @Param        user_id  query  string  false  "Filter by user id"
// @Param        outcome  query  string  false  "allowed or denied"
// @Param        action   query  string  false  "Filter by action"
// @Success      200  {object}  audit.Page
// @Failure      400  {object}  map[string]interface{}  "Invalid filter"
// @Failure      403  {object}  map[string]interface{}  "Forbidden"
// @Failure      503  {object}  map[string]interface{}  "Audit trail unavailable"
// @Router       /api/v1/audit [get]
// ListAudit returns one page of the audit trail.
func (h *Handler) ListAudit(c *gin.Context) {
	id, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	// parameter errors are reported after the role check
	var paramErr error
	offset, err := intQuery(c, "offset")
	if err != nil {
		paramErr = errors.New("offset must be a non-negative integer")
	}
	limit, err := intQuery(c, "limit")
	if err != nil && paramErr == nil {
		paramErr = errors.New("limit must be a non-negative integer")
	}
	outcome := c.Query("outcome")
	if outcome != "" && outcome != audit.OutcomeAllowed && outcome != audit.OutcomeDenied && paramErr == nil {
		paramErr = errors.New("outcome must be allowed or denied")
	}

	page, err := h.guard.ReadAudit(c.Request.Context(), pipeline.AuditReadRequest{
		Identity:  id,
		ReadRoles: h.auditReadRoles,
		Offset:    offset,
		Limit:     limit,
		UserID:    c.Query("user_id"),
		Outcome:   outcome,
		Action:    c.Query("action"),
		ParamErr:  paramErr,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// writeError maps a pipeline failure to a response.
func (h *Handler) writeError(c *gin.Context, err error) {
	pe, ok := pipeline.AsError(err)
	if !ok {
		h.logger.Error("guarded request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	body := gin.H{"error": pe.Message, "reason": pe.Reason}
	switch pe.Kind {
	case pipeline.KindAuthzDenied:
		c.JSON(http.StatusForbidden, body)
	case pipeline.KindRateLimited:
		c.Header("Retry-After", strconv.Itoa(pe.RetryAfter))
		body["retry_after"] = pe.RetryAfter
		c.JSON(http.StatusTooManyRequests, body)
	case pipeline.KindValidation:
		if len(pe.Details) > 0 {
			body["details"] = pe.Details
		}
		status := http.StatusBadRequest
		if pe.Reason == pipeline.ReasonUnknownAction {
			status = http.StatusNotFound
		}
		c.JSON(status, body)
	case pipeline.KindUpstream:
		if pe.Timeout {
			c.JSON(http.StatusGatewayTimeout, body)
			return
		}
		c.JSON(http.StatusBadGateway, body)
	case pipeline.KindUnavailable:
		c.JSON(http.StatusServiceUnavailable, body)
	default:
		h.logger.Error("unmapped pipeline error", "kind", pe.Kind, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func callerFrom(c *gin.Context) (pipeline.Caller, bool) {
	id, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return pipeline.Caller{}, false
	}
	return pipeline.Caller{
		Identity:    id,
		Credentials: middleware.GetCredentials(c),
		HostOrigin:  middleware.GetHostOrigin(c),
	}, true
}

// decodeObject reads an optional JSON object body. Numbers are kept as
// json.Number so large epoch values survive intact.
func decodeObject(c *gin.Context) (map[string]any, error) {
	dec := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if obj == nil {
		return map[string]any{}, nil
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	return obj, nil
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > math.MaxInt32 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}
