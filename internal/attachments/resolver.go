// Package attachments turns request attachments into bytes. An attachment URL
// is a data: URI (base64 or percent-encoded), an http(s) URL fetched with a
// timeout and a size cap, or, as a last resort, raw base64.
package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

// Sentinel causes wrapped by ResolutionError.
var (
	ErrTooLarge          = errors.New("attachment exceeds size limit")
	ErrUnsupportedScheme = errors.New("unsupported attachment scheme")
	ErrMalformed         = errors.New("malformed attachment")
)

// ResolutionError reports why one attachment could not be resolved.
type ResolutionError struct {
	Name string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("attachment %q: %v", e.Name, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

var resolutions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "attachment_resolutions_total",
		Help: "Attachment resolutions by source kind and result.",
	},
	[]string{"kind", "result"},
)

func init() {
	prometheus.MustRegister(resolutions)
}

// Resolver fetches and decodes attachments.
type Resolver struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	log      zerolog.Logger
}

// New returns a Resolver. client performs http(s) fetches; timeout and
// maxBytes bound every attachment.
func New(client *http.Client, timeout time.Duration, maxBytes int64, logger zerolog.Logger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{client: client, timeout: timeout, maxBytes: maxBytes, log: logger}
}

// kind classifies a URL without fetching it.
func kind(raw string) string {
	low := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(low, "data:"):
		return "data"
	case strings.HasPrefix(low, "http://"), strings.HasPrefix(low, "https://"):
		return "http"
	default:
		return "base64"
	}
}

// ValidateURL checks the shape of an attachment URL without fetching it.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty url", ErrMalformed)
	}
	switch kind(raw) {
	case "data":
		if !strings.Contains(raw, ",") {
			return fmt.Errorf("%w: data URI without payload separator", ErrMalformed)
		}
		return nil
	case "http":
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%w: unparsable url", ErrMalformed)
		}
		return nil
	default:
		if i := strings.Index(raw, "://"); i > 0 {
			return fmt.Errorf("%w: %s", ErrUnsupportedScheme, raw[:i])
		}
		if _, err := decodeBase64(raw); err != nil {
			return fmt.Errorf("%w: not a URL, data URI or base64 payload", ErrMalformed)
		}
		return nil
	}
}

// Resolve returns the content of a single attachment.
func (r *Resolver) Resolve(ctx context.Context, a domain.Attachment) (*domain.ResolvedAttachment, error) {
	k := kind(a.URL)
	out, err := r.resolve(ctx, k, a)
	if err != nil {
		resolutions.WithLabelValues(k, "error").Inc()
		return nil, &ResolutionError{Name: a.Name, Err: err}
	}
	resolutions.WithLabelValues(k, "ok").Inc()
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, k string, a domain.Attachment) (*domain.ResolvedAttachment, error) {
	var (
		body      []byte
		mediaType string
		err       error
	)
	switch k {
	case "data":
		body, mediaType, err = decodeDataURI(a.URL)
	case "http":
		body, mediaType, err = r.fetch(ctx, a.URL)
	default:
		if i := strings.Index(a.URL, "://"); i > 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, a.URL[:i])
		}
		body, err = decodeBase64(a.URL)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if err != nil {
		return nil, err
	}
	if r.maxBytes > 0 && int64(len(body)) > r.maxBytes {
		return nil, ErrTooLarge
	}
	if mediaType == "" {
		mediaType = mime.TypeByExtension(path.Ext(a.Name))
	}
	if mediaType == "" {
		mediaType = http.DetectContentType(body)
	}
	return &domain.ResolvedAttachment{Name: a.Name, MediaType: mediaType, Content: body}, nil
}

func (r *Resolver) fetch(ctx context.Context, raw string) ([]byte, string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	if r.maxBytes > 0 && resp.ContentLength > r.maxBytes {
		return nil, "", ErrTooLarge
	}
	reader := io.Reader(resp.Body)
	if r.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, r.maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", err
	}
	if r.maxBytes > 0 && int64(len(body)) > r.maxBytes {
		return nil, "", ErrTooLarge
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return body, mediaType, nil
}

// ResolveAll resolves attachments concurrently. Successes keep input order;
// failures are returned separately and logged, never aborting the rest.
func (r *Resolver) ResolveAll(ctx context.Context, atts []domain.Attachment) ([]domain.ResolvedAttachment, []error) {
	results := make([]*domain.ResolvedAttachment, len(atts))
	errs := make([]error, len(atts))

	var g errgroup.Group
	g.SetLimit(4)
	for i, a := range atts {
		g.Go(func() error {
			results[i], errs[i] = r.Resolve(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	var (
		ok     []domain.ResolvedAttachment
		failed []error
	)
	for i := range atts {
		if errs[i] != nil {
			r.log.Warn().Err(errs[i]).Str("attachment", atts[i].Name).Msg("attachment dropped")
			failed = append(failed, errs[i])
			continue
		}
		ok = append(ok, *results[i])
	}
	return ok, failed
}

// decodeDataURI parses "data:[<mediatype>][;base64],<data>".
func decodeDataURI(raw string) ([]byte, string, error) {
	rest := strings.TrimSpace(raw)[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, "", fmt.Errorf("%w: data URI without payload separator", ErrMalformed)
	}
	header, payload := rest[:comma], rest[comma+1:]

	isBase64 := false
	params := strings.Split(header, ";")
	mediaType := strings.TrimSpace(params[0])
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}

	if isBase64 {
		body, err := decodeBase64(payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return body, mediaType, nil
	}
	text, err := url.PathUnescape(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return []byte(text), mediaType, nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, errors.New("empty payload")
	}
	var lastErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
