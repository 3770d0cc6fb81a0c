package generator

import (
	"errors"
	"strings"
	"testing"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

func TestParseFiles_Shapes(t *testing.T) {
	cases := map[string]string{
		"plain":      `{"index.html": "<h1>x</h1>", "style.css": "body{}"}`,
		"prose":      "Here you go:\n{\"index.html\": \"<h1>x</h1>\", \"style.css\": \"body{}\"}\nEnjoy!",
		"files map":  `{"files": {"index.html": "<h1>x</h1>", "style.css": "body{}"}}`,
		"files list": `{"files": [{"path": "index.html", "content": "<h1>x</h1>"}, {"path": "style.css", "content": "body{}"}]}`,
	}
	for name, in := range cases {
		files, err := parseFiles(in)
		if err != nil {
			t.Fatalf("%s: parseFiles: %v", name, err)
		}
		if len(files) != 2 || files[0].Path != "index.html" || files[1].Path != "style.css" || string(files[0].Content) != "<h1>x</h1>" {
			t.Fatalf("%s: unexpected files %+v", name, files)
		}
	}
}

func TestParseFiles_NestedValueSerialized(t *testing.T) {
	files, err := parseFiles(`{"data.json": {"a": 1}}`)
	if err != nil {
		t.Fatalf("parseFiles: %v", err)
	}
	if string(files[0].Content) != `{"a": 1}` {
		t.Fatalf("nested value = %q", files[0].Content)
	}
}

func TestParseFiles_Rejects(t *testing.T) {
	if _, err := parseFiles("no json here"); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("err = %v, want ErrNoFiles", err)
	}
	if _, err := parseFiles(`{"../etc/passwd": "x", "/.git/config": "y"}`); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("only unsafe paths should yield ErrNoFiles, got %v", err)
	}
}

func TestKeywords(t *testing.T) {
	kw := Keywords("Build a captcha solver. The captcha image is shown.", []string{"solver returns text"}, 3)
	if len(kw) != 3 || kw[0] != "captcha" || kw[1] != "solver" {
		t.Fatalf("Keywords = %v", kw)
	}
}

func TestBuildMessages_RoundTwoIncludesPreviousFiles(t *testing.T) {
	in := domain.GenerateInput{
		Task: "t", Round: 2, Brief: "Add dark mode",
		Attachments:   []domain.ResolvedAttachment{{Name: "data.csv", MediaType: "text/csv", Content: []byte("a,b\n1,2")}},
		PreviousFiles: []domain.File{{Path: "index.html", Content: []byte("<html>old</html>")}},
	}
	msgs := buildMessages(in)
	user := msgs[1].Content
	for _, want := range []string{"Round: 2", "revision", "Add dark mode", "data.csv (text/csv, 7 bytes)", "a,b\n1,2", "Current files", "<html>old</html>"} {
		if !strings.Contains(user, want) {
			t.Fatalf("prompt missing %q:\n%s", want, user)
		}
	}

	in.Round = 1
	if strings.Contains(buildMessages(in)[1].Content, "Current files") {
		t.Fatalf("round 1 must not include previous files")
	}
}

func TestEnsureLicense_KeepsExistingMIT(t *testing.T) {
	p := &domain.Project{Files: []domain.File{{Path: "LICENSE", Content: []byte("MIT License\n\nCopyright (c) 2020 Someone")}}}
	ensureLicense(p, "Acme", 2025)
	if !strings.Contains(string(p.Files[0].Content), "2020 Someone") {
		t.Fatalf("existing MIT license was replaced")
	}

	p = &domain.Project{Files: []domain.File{{Path: "LICENSE", Content: []byte("All rights reserved")}}}
	ensureLicense(p, "Acme", 2025)
	if !strings.Contains(string(p.Files[0].Content), "MIT License") {
		t.Fatalf("non-MIT license should be replaced")
	}
}
