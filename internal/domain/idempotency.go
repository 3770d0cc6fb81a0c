package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Key is the externally supplied idempotency key of a deployment request.
// Two requests with equal keys describe the same logical deployment.
type Key struct {
	Task  string
	Round int
	Nonce string
}

// String renders the key as "task/round/nonce" for logs and error messages.
// It is only unambiguous for keys whose task and nonce contain no "/"; use
// Canonical to compare keys.
func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Task, k.Round, k.Nonce)
}

// Canonical is an injective encoding of the key: distinct keys always give
// distinct strings. It is the in-process deduplication key.
func (k Key) Canonical() string {
	return strconv.Quote(k.Task) + "|" + strconv.Itoa(k.Round) + "|" + strconv.Quote(k.Nonce)
}

// Valid reports whether every component of the key is present.
func (k Key) Valid() bool {
	return strings.TrimSpace(k.Task) != "" && strings.TrimSpace(k.Nonce) != "" && k.Round > 0
}
