package generator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-deploy-backend/internal/domain"
)

const mitLicense = `MIT License

Copyright (c) %d %s

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
`

// MITLicense renders the canonical MIT license text.
func MITLicense(year int, owner string) []byte {
	return []byte(fmt.Sprintf(mitLicense, year, owner))
}

// ensureLicense writes the canonical MIT license unless the model already
// produced one.
func ensureLicense(p *domain.Project, owner string, year int) {
	for _, f := range p.Files {
		if f.Path == "LICENSE" && strings.Contains(string(f.Content), "MIT License") {
			return
		}
	}
	p.Put("LICENSE", MITLicense(year, owner))
}

// ensureReadme adds a minimal README.md when the model omitted it.
func ensureReadme(p *domain.Project, in domain.GenerateInput) {
	if p.Has("README.md") {
		return
	}
	title := cases.Title(language.English).String(strings.ReplaceAll(in.Task, "-", " "))

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	b.WriteString("## Summary\n\n")
	b.WriteString(strings.TrimSpace(in.Brief))
	b.WriteString("\n\n## Setup\n\nNo build step. Open `index.html` locally or browse the GitHub Pages site.\n\n")
	b.WriteString("## Usage\n\nThe page implements the brief above")
	if len(in.Checks) > 0 {
		b.WriteString(" and satisfies these checks:\n\n")
		for _, c := range in.Checks {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(c))
		}
	} else {
		b.WriteString(".\n")
	}
	b.WriteString("\n## Code\n\n")
	for _, path := range p.Paths() {
		if path == "LICENSE" {
			continue
		}
		fmt.Fprintf(&b, "- `%s`\n", path)
	}
	b.WriteString("\n## License\n\nMIT, see `LICENSE`.\n")
	p.Put("README.md", []byte(b.String()))
}

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*`)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "in": {}, "into": {}, "is": {}, "it": {},
	"its": {}, "of": {}, "on": {}, "or": {}, "should": {}, "that": {}, "the": {}, "this": {},
	"to": {}, "use": {}, "uses": {}, "using": {}, "when": {}, "with": {}, "page": {}, "must": {},
	"create": {}, "build": {}, "make": {}, "app": {}, "your": {}, "you": {}, "will": {},
}

// Keywords returns up to limit distinct lowercase terms from brief and
// checks, ordered by frequency then alphabetically.
func Keywords(brief string, checks []string, limit int) []string {
	counts := map[string]int{}
	add := func(s string) {
		for _, w := range wordRE.FindAllString(strings.ToLower(s), -1) {
			if len([]rune(w)) < 3 {
				continue
			}
			if _, skip := stopwords[w]; skip {
				continue
			}
			counts[w]++
		}
	}
	add(brief)
	for _, c := range checks {
		add(c)
	}

	out := make([]string, 0, len(counts))
	for w := range counts {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
