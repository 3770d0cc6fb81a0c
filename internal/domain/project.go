package domain

import (
	"path"
	"strings"
)

// File is one entry of a generated project. Path is relative and uses
// forward slashes.
type File struct {
	Path    string
	Content []byte
}

// Project is the file set produced by a generator and handed to a publisher.
// Paths are unique.
type Project struct {
	Files []File
}

// Has reports whether the project contains path.
func (p *Project) Has(path string) bool {
	for _, f := range p.Files {
		if f.Path == path {
			return true
		}
	}
	return false
}

// Put inserts or replaces the file at path.
func (p *Project) Put(path string, content []byte) {
	for i := range p.Files {
		if p.Files[i].Path == path {
			p.Files[i].Content = content
			return
		}
	}
	p.Files = append(p.Files, File{Path: path, Content: content})
}

// Paths lists file paths in insertion order.
func (p *Project) Paths() []string {
	out := make([]string, 0, len(p.Files))
	for _, f := range p.Files {
		out = append(out, f.Path)
	}
	return out
}

// ResolvedAttachment is an attachment whose content has been fetched or
// decoded.
type ResolvedAttachment struct {
	Name      string
	MediaType string
	Content   []byte
}

// GenerateInput is everything a generator needs to produce a project.
// PreviousFiles carries the prior round's files when Round > 1.
type GenerateInput struct {
	Task          string
	Round         int
	Brief         string
	Checks        []string
	Attachments   []ResolvedAttachment
	PreviousFiles []File
}

// PublishResult identifies a published revision.
type PublishResult struct {
	RepoURL   string `json:"repo_url"`
	CommitSHA string `json:"commit_sha"`
	PagesURL  string `json:"pages_url"`
}

// SanitizePath normalizes a project path to a clean relative form. Absolute
// paths, parent traversal, drive letters and anything under .git are
// rejected.
func SanitizePath(p string) (string, bool) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", false
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return "", false
	}
	if strings.Contains(clean, ":") {
		return "", false
	}
	return clean, true
}
