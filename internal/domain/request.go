package domain

// Attachment is a named reference to content supplied with a request. URL is
// an http(s) URL, a data: URI, or raw base64.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// DeploymentRequest is the inbound payload of POST /api-deploy.
// Secret is compared against the configured shared secret and never stored.
type DeploymentRequest struct {
	Email         string       `json:"email"`
	Secret        string       `json:"secret"`
	Task          string       `json:"task"`
	Round         int          `json:"round"`
	Nonce         string       `json:"nonce"`
	Brief         string       `json:"brief"`
	Checks        []string     `json:"checks"`
	EvaluationURL string       `json:"evaluation_url"`
	Attachments   []Attachment `json:"attachments"`
}

// Key returns the idempotency key of the request.
func (r DeploymentRequest) Key() Key {
	return Key{Task: r.Task, Round: r.Round, Nonce: r.Nonce}
}
