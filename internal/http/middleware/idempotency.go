// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements replay detection for POST /api-deploy. A deployment's
// idempotency key is the (task, round, nonce) triple carried in the JSON
// body, so the middleware buffers the body, peeks at those three fields and
// restores the body for the handler. When the body carries the deploy secret
// and a lookup reports that the key was already published, the request is
// marked as a replay so that:
//   - handlers can tell replays apart (IsReplay)
//   - the rate limiter lets the replay through without spending a token
//
// The middleware never rejects a request: malformed bodies are left for the
// handler to report.
package middleware

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

// Context keys used internally to stash idempotency state.
const (
	ctxKeyDeployKey  = "deploy.key"
	ctxKeyIdemReplay = "idem.replay" // bool: key already published
	ctxKeyRateBypass = "rate.bypass" // bool: skip rate limiting
)

// GetDeployKey returns the idempotency key extracted from the request body.
// The second return value is false when the body did not carry a valid key.
func GetDeployKey(c *gin.Context) (domain.Key, bool) {
	v, ok := c.Get(ctxKeyDeployKey)
	if !ok {
		return domain.Key{}, false
	}
	k, ok := v.(domain.Key)
	return k, ok
}

// IsReplay reports whether the request repeats an already published key.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ReplayLookup reports whether key was already published. Errors are
// treated as "not published" and never block the request.
type ReplayLookup func(ctx context.Context, key domain.Key) (published bool, err error)

// replayFields holds the subset of a deployment request needed for the key and
// the secret check.
type replayFields struct {
	Secret string `json:"secret"`
	Task   string `json:"task"`
	Round  int    `json:"round"`
	Nonce  string `json:"nonce"`
}

// DeployIdempotency extracts the deployment key from the body of POST
// requests and stashes it for GetDeployKey. A request whose body carries
// secret and whose key lookup reports as published is marked as a replay
// with a rate-limit bypass; without a matching secret the lookup is skipped.
// An empty secret disables replay marking.
func DeployIdempotency(lookup ReplayLookup, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost || c.Request.Body == nil {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		_ = c.Request.Body.Close()
		if err != nil {
			// Hand the read error (e.g. body too large) to the handler.
			c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), errReader{err}))
			c.Next()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		var fields replayFields
		if json.Unmarshal(body, &fields) == nil {
			key := domain.Key{
				Task:  strings.TrimSpace(fields.Task),
				Round: fields.Round,
				Nonce: strings.TrimSpace(fields.Nonce),
			}
			if key.Valid() {
				c.Set(ctxKeyDeployKey, key)
				if lookup != nil && secretMatches(fields.Secret, secret) {
					if published, err := lookup(c.Request.Context(), key); err == nil && published {
						c.Set(ctxKeyIdemReplay, true)
						c.Set(ctxKeyRateBypass, true)
						httpReplays.Inc()
					}
				}
			}
		}

		c.Next()
	}
}

func secretMatches(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// errReader replays a read error after the buffered prefix is consumed.
type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
