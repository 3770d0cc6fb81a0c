package generator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

const jsonOnlyNudge = "OUTPUT MUST BE A JSON OBJECT MAPPING file paths to file contents ONLY. " +
	"No prose, no markdown fences."

// parseFiles extracts the path->content object from a model reply. Replies
// wrapped in code fences or surrounded by prose are tolerated, as are
// {"files": {...}} and {"files": [{"path": ..., "content": ...}]} shapes.
func parseFiles(content string) ([]domain.File, error) {
	obj, err := extractObject(content)
	if err != nil {
		return nil, err
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &top); err != nil {
		return nil, fmt.Errorf("decode files object: %w", err)
	}
	if inner, ok := top["files"]; ok && len(top) == 1 {
		var list []struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if json.Unmarshal(inner, &list) == nil {
			m := make(map[string]string, len(list))
			for _, f := range list {
				m[f.Path] = f.Content
			}
			return collect(m)
		}
		var m map[string]string
		if err := json.Unmarshal(inner, &m); err != nil {
			return nil, fmt.Errorf("decode files: %w", err)
		}
		return collect(m)
	}

	m := make(map[string]string, len(top))
	for k, v := range top {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			// Non-string values (nested objects) are serialized as JSON text.
			s = string(v)
		}
		m[k] = s
	}
	return collect(m)
}

func collect(m map[string]string) ([]domain.File, error) {
	out := make([]domain.File, 0, len(m))
	seen := make(map[string]struct{}, len(m))
	for p, content := range m {
		clean, ok := domain.SanitizePath(p)
		if !ok {
			continue
		}
		if _, dup := seen[clean]; dup {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, domain.File{Path: clean, Content: []byte(content)})
	}
	if len(out) == 0 {
		return nil, ErrNoFiles
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// extractObject returns the outermost JSON object in s.
func extractObject(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:] // drop the language tag line
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in model reply: %w", ErrNoFiles)
	}
	return s[start : end+1], nil
}
