package services

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxRepoName is GitHub's repository name limit.
const maxRepoName = 100

// hashSuffixLen is the number of hex digits appended to names that had to be
// rewritten.
const hashSuffixLen = 10

// RepoName derives the repository (and artifact directory) name of a
// deployment from its task and nonce. The same inputs always give the same
// name; rounds of one task/nonce share a repository.
//
// The plain form is "<task>-<nonce>". It is only used when the nonce has no
// "-" and both parts are already valid repository characters, which makes the
// split point unambiguous. Any other input is slugged (accents folded to
// ASCII, anything outside [A-Za-z0-9._-] becomes "-", runs of "-" collapse)
// and suffixed with a hash of the exact (task, nonce) pair, so distinct pairs
// never share a repository.
func RepoName(task, nonce string) string {
	task, nonce = strings.TrimSpace(task), strings.TrimSpace(nonce)
	raw := task + "-" + nonce
	name := slug(raw)
	if name == raw && !strings.Contains(nonce, "-") && len(name) <= maxRepoName {
		return name
	}

	sum := sha256.Sum256([]byte(task + "\x00" + nonce))
	suffix := "-" + hex.EncodeToString(sum[:])[:hashSuffixLen]
	if len(name) > maxRepoName-len(suffix) {
		name = strings.TrimRight(name[:maxRepoName-len(suffix)], "-.")
	}
	if name == "" {
		name = "deployment"
	}
	return name + suffix
}

// slug folds raw into repository name characters.
func slug(raw string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, raw)
	if err != nil {
		folded = raw
	}

	var b strings.Builder
	b.Grow(len(folded))
	dash := false
	for _, r := range folded {
		ok := r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_')
		if ok {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash {
			b.WriteByte('-')
			dash = true
		}
	}

	return strings.Trim(b.String(), "-.")
}
