// Deploy HTTP handler.
//
// POST /api-deploy accepts a DeploymentRequest, runs (or replays) the
// deployment pipeline and answers with the published repository triple.
//
// Idempotency:
// The (task, round, nonce) triple in the body is the idempotency key. When
// the key was already published, the stored result is returned without
// generating or publishing again, and `Idempotency-Replayed: true` is set.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-deploy-backend/internal/domain"
	"github.com/tbourn/go-deploy-backend/internal/services"
)

//
// DTOs
//

// DeployResponse is the success body of POST /api-deploy.
type DeployResponse struct {
	OK        bool   `json:"ok" example:"true"`
	RepoURL   string `json:"repo_url" example:"https://github.com/acme/captcha-solver-x-N1"`
	CommitSHA string `json:"commit_sha" example:"4b825dc642cb6eb9a060e54bf8d69288fbee4904"`
	PagesURL  string `json:"pages_url" example:"https://acme.github.io/captcha-solver-x-N1/"`
	Email     string `json:"email" example:"student@example.com"`
	Task      string `json:"task" example:"captcha-solver-x"`
	Round     int    `json:"round" example:"1"`
	Nonce     string `json:"nonce" example:"N1"`
}

//
// Handlers
//

// PostDeploy godoc
// @ID          postDeploy
// @Summary     Generate and publish a project
// @Description Generates a static project from the brief, publishes it to a repository with Pages enabled
// @Description and notifies the evaluation URL. Repeating a published (task, round, nonce) replays the result.
// @Tags        Deploy
// @Accept      json
// @Produce     json
//
// @Param       body  body  domain.DeploymentRequest  true  "Deployment request"
//
// @Success     200  {object}  handlers.DeployResponse
// @Header      200  {string}  Idempotency-Replayed  "true when the stored result was returned"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid secret or request"
// @Failure     413  {object}  handlers.ErrorResponse  "Body too large"
// @Failure     502  {object}  handlers.ErrorResponse  "Generation or publish failed"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /api-deploy [post]
func (h *Handlers) PostDeploy(c *gin.Context) {
	var req domain.DeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	res, err := h.deploySvc.Deploy(c.Request.Context(), req)
	if err != nil {
		failDeploy(c, err)
		return
	}

	if res.Replayed {
		c.Header("Idempotency-Replayed", "true")
	}
	ok(c, http.StatusOK, DeployResponse{
		OK:        true,
		RepoURL:   res.RepoURL,
		CommitSHA: res.CommitSHA,
		PagesURL:  res.PagesURL,
		Email:     res.Email,
		Task:      res.Task,
		Round:     res.Round,
		Nonce:     res.Nonce,
	})
}

// failDeploy maps the services error taxonomy to the error envelope.
func failDeploy(c *gin.Context, err error) {
	var (
		verr *services.ValidationError
		gerr *services.GenerationError
		perr *services.PublishError
	)
	switch {
	case errors.Is(err, services.ErrUnauthorized):
		fail(c, http.StatusBadRequest, ErrCodeUnauthorized, err.Error())
	case errors.As(err, &verr):
		fail(c, http.StatusBadRequest, ErrCodeValidation, verr.Error())
	case errors.As(err, &gerr):
		fail(c, http.StatusBadGateway, ErrCodeGenerationFailed, gerr.Error())
	case errors.As(err, &perr):
		fail(c, http.StatusBadGateway, ErrCodePublishFailed, perr.Error())
	default:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}
