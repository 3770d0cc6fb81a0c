// Deployment record HTTP handlers (operator access).
//
// This file exposes read access to deployment records and a way to re-send
// evaluator notifications:
//   - GET  /deployments                              (list, paginated, ETag support)
//   - GET  /deployments/{task}/{round}/{nonce}       (one record)
//   - POST /deployments/{task}/{round}/{nonce}/notify (re-send notification)
//
// All routes sit behind the X-Deploy-Secret check installed by the router.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-deploy-backend/internal/domain"
	"github.com/tbourn/go-deploy-backend/internal/services"
)

//
// DTOs
//

// ListDeploymentsResponse wraps a page of records and pagination information.
type ListDeploymentsResponse struct {
	Deployments []domain.Deployment `json:"deployments"`
	Pagination  Pagination          `json:"pagination"`
}

// RenotifyRequest is the JSON payload of the notify endpoint. The evaluation
// URL is not stored with the record, so callers supply it again.
type RenotifyRequest struct {
	EvaluationURL string `json:"evaluation_url" binding:"required" example:"https://evaluator.example.com/notify"`
}

// RenotifyResponse acknowledges a queued notification.
type RenotifyResponse struct {
	OK     bool                    `json:"ok" example:"true"`
	Status domain.DeploymentStatus `json:"status" example:"published"`
}

//
// Helpers
//

// parseStatus validates the optional status filter.
func parseStatus(raw string) (domain.DeploymentStatus, bool) {
	switch s := domain.DeploymentStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case "", domain.StatusPending, domain.StatusPublished, domain.StatusFailed:
		return s, true
	default:
		return "", false
	}
}

// keyFromPath reads the deployment key from the :task/:round/:nonce params.
func keyFromPath(c *gin.Context) (domain.Key, bool) {
	round, err := strconv.Atoi(c.Param("round"))
	if err != nil {
		return domain.Key{}, false
	}
	key := domain.Key{
		Task:  strings.TrimSpace(c.Param("task")),
		Round: round,
		Nonce: strings.TrimSpace(c.Param("nonce")),
	}
	return key, key.Valid()
}

//
// Handlers
//

// ListDeployments godoc
// @ID          listDeployments
// @Summary     List deployment records (paginated)
// @Description Returns a page of deployment records, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Deployments
// @Produce     json
//
// @Param       X-Deploy-Secret  header  string  true  "Shared deploy secret"
// @Param       If-None-Match    header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       status           query   string  false "Filter by status"            Enums(pending, published, failed)
// @Param       page             query   int     false "Page number"                 minimum(1) default(1)
// @Param       page_size        query   int     false "Items per page"              minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListDeploymentsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Missing or invalid secret"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /deployments [get]
func (h *Handlers) ListDeployments(c *gin.Context) {
	ctx := c.Request.Context()
	status, valid := parseStatus(c.Query("status"))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be pending, published or failed")
		return
	}
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if count, maxTS, err := h.depSvc.Stats(ctx, status); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.UnixNano()
		}
		etag := fmt.Sprintf(`W/"deployments:%s:%d:%d:%d:%d"`, status, count, ts, page, pageSize)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.depSvc.ListPage(ctx, status, page, pageSize)
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list deployments")
		return
	}

	ok(c, http.StatusOK, ListDeploymentsResponse{
		Deployments: items,
		Pagination:  newPagination(page, pageSize, total),
	})
}

// GetDeployment godoc
// @ID          getDeployment
// @Summary     Get a deployment record
// @Tags        Deployments
// @Produce     json
//
// @Param       X-Deploy-Secret  header  string  true  "Shared deploy secret"
// @Param       task   path  string  true  "Task"   example(captcha-solver-x)
// @Param       round  path  int     true  "Round"  minimum(1)
// @Param       nonce  path  string  true  "Nonce"  example(N1)
//
// @Success     200  {object} domain.Deployment
// @Failure     400  {object} handlers.ErrorResponse "Bad key"
// @Failure     401  {object} handlers.ErrorResponse "Missing or invalid secret"
// @Failure     404  {object} handlers.ErrorResponse "Not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /deployments/{task}/{round}/{nonce} [get]
func (h *Handlers) GetDeployment(c *gin.Context) {
	key, valid := keyFromPath(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "round must be a positive integer")
		return
	}

	d, err := h.depSvc.Get(c.Request.Context(), key)
	switch {
	case errors.Is(err, services.ErrDeploymentNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "deployment not found")
	case err != nil:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	default:
		ok(c, http.StatusOK, d)
	}
}

// RenotifyDeployment godoc
// @ID          renotifyDeployment
// @Summary     Re-send the evaluator notification
// @Description Queues the notification of a published or failed record to the given URL. The record is not modified.
// @Tags        Deployments
// @Accept      json
// @Produce     json
//
// @Param       X-Deploy-Secret  header  string  true  "Shared deploy secret"
// @Param       task   path  string  true  "Task"
// @Param       round  path  int     true  "Round"  minimum(1)
// @Param       nonce  path  string  true  "Nonce"
// @Param       body   body  handlers.RenotifyRequest  true  "Target"
//
// @Success     202  {object} handlers.RenotifyResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Missing or invalid secret"
// @Failure     404  {object} handlers.ErrorResponse "Not found"
// @Failure     409  {object} handlers.ErrorResponse "Deployment still pending"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /deployments/{task}/{round}/{nonce}/notify [post]
func (h *Handlers) RenotifyDeployment(c *gin.Context) {
	key, valid := keyFromPath(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "round must be a positive integer")
		return
	}

	var req RenotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "evaluation_url required")
		return
	}

	d, err := h.depSvc.Renotify(c.Request.Context(), key, req.EvaluationURL)
	if err != nil {
		var verr *services.ValidationError
		switch {
		case errors.As(err, &verr):
			fail(c, http.StatusBadRequest, ErrCodeValidation, verr.Error())
		case errors.Is(err, services.ErrDeploymentNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "deployment not found")
		case errors.Is(err, services.ErrNotTerminal):
			fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
		default:
			_ = c.Error(err)
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
		}
		return
	}

	ok(c, http.StatusAccepted, RenotifyResponse{OK: true, Status: d.Status})
}
