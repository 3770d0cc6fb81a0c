// Package generator produces a static web project from a deployment brief
// by calling an OpenAI-compatible chat completion endpoint. The model is
// asked for a JSON object mapping relative file paths to file contents; the
// reply is parsed, sanitized, and completed with a LICENSE and README.md.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

// ErrNoFiles is returned when the model reply contains no usable files.
var ErrNoFiles = errors.New("model returned no files")

// StatusError is a non-2xx reply from the completion endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion endpoint returned %d: %s", e.Code, e.Body)
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	Model       string
	MaxAttempts int
	RetryDelay  time.Duration
	// Owner is the copyright holder written into LICENSE.
	Owner  string
	Logger zerolog.Logger
}

// Client implements project generation against /chat/completions. The
// supplied *http.Client is expected to carry authentication and a timeout.
type Client struct {
	http *http.Client
	opts Options
	now  func() time.Time
}

// New returns a Client.
func New(httpClient *http.Client, opts Options) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Owner == "" {
		opts.Owner = "Project Contributors"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{http: httpClient, opts: opts, now: time.Now}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate asks the model for a project and returns it completed with the
// files every published repository must carry. A reply that cannot be
// parsed is retried with a stricter instruction, up to MaxAttempts calls.
func (c *Client) Generate(ctx context.Context, in domain.GenerateInput) (*domain.Project, error) {
	messages := buildMessages(in)
	attempt := 0

	op := func() (*domain.Project, error) {
		attempt++
		msgs := messages
		if attempt > 1 {
			msgs = append(append([]chatMessage(nil), messages...), chatMessage{Role: "user", Content: jsonOnlyNudge})
		}
		content, err := c.complete(ctx, msgs)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests {
				return nil, backoff.Permanent(err)
			}
			c.opts.Logger.Warn().Err(err).Int("attempt", attempt).Msg("completion request failed")
			return nil, err
		}
		files, err := parseFiles(content)
		if err != nil {
			c.opts.Logger.Warn().Err(err).Int("attempt", attempt).Msg("unusable model reply")
			return nil, err
		}
		return &domain.Project{Files: files}, nil
	}

	project, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.opts.RetryDelay)),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
	)
	if err != nil {
		return nil, fmt.Errorf("generate %s round %d: %w", in.Task, in.Round, err)
	}

	ensureLicense(project, c.opts.Owner, c.now().Year())
	ensureReadme(project, in)
	return project, nil
}

func (c *Client) complete(ctx context.Context, msgs []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:          c.opts.Model,
		Messages:       msgs,
		Temperature:    0.2,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return "", ErrNoFiles
	}
	return cr.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
