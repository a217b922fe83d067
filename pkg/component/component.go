// Package component infers which software component a finding implicates.
//
// Findings that carry a component_name use it. The rest are matched against a
// dictionary of known component names: case-insensitive, on word boundaries,
// longest name first so that "golang" wins over "go".
package component

import (
	"regexp"
	"sort"
	"strings"

	"github.com/exploopio/insight/pkg/model"
)

// DefaultNames is the built-in known-component dictionary.
var DefaultNames = []string{
	"openssl", "openssh", "log4j", "spring", "spring-boot", "struts", "tomcat", "jackson",
	"jquery", "lodash", "react", "angular", "vue", "express", "axios", "moment",
	"django", "flask", "requests", "urllib3", "pyyaml", "jinja2", "numpy", "pillow",
	"nginx", "apache", "httpd", "curl", "libcurl", "zlib", "glibc", "busybox", "bash",
	"golang", "go", "node.js", "nodejs", "python", "java", "php", "ruby", "rails",
	"postgresql", "mysql", "redis", "mongodb", "elasticsearch", "kubernetes", "docker",
	"containerd", "runc", "sqlite", "libxml2", "expat", "openjdk", "dotnet", ".net",
	"bootstrap", "webpack", "netty", "guava", "commons-text", "snakeyaml", "xstream",
}

// Dictionary matches free text against known component names.
type Dictionary struct {
	names    []string
	patterns []*regexp.Regexp
}

// NewDictionary builds a dictionary from names. Names are lower-cased and
// de-duplicated, then ordered longest first (ties alphabetically).
func NewDictionary(names []string) *Dictionary {
	seen := make(map[string]bool, len(names))
	var uniq []string
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		uniq = append(uniq, n)
	}
	sort.Slice(uniq, func(i, j int) bool {
		if len(uniq[i]) != len(uniq[j]) {
			return len(uniq[i]) > len(uniq[j])
		}
		return uniq[i] < uniq[j]
	})

	d := &Dictionary{names: uniq, patterns: make([]*regexp.Regexp, len(uniq))}
	for i, n := range uniq {
		d.patterns[i] = pattern(n)
	}
	return d
}

// Default returns a dictionary of DefaultNames plus extra.
func Default(extra ...string) *Dictionary {
	return NewDictionary(append(append([]string(nil), DefaultNames...), extra...))
}

// pattern matches name as a whole token. \b is not used because names such
// as ".net" or "node.js" start or end with non-word characters.
func pattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^a-z0-9_])` + regexp.QuoteMeta(name) + `(?:$|[^a-z0-9_])`)
}

// Names returns the dictionary in match order.
func (d *Dictionary) Names() []string {
	return append([]string(nil), d.names...)
}

// Match returns the first dictionary name found in text.
func (d *Dictionary) Match(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	for i, p := range d.patterns {
		if p.MatchString(text) {
			return d.names[i], true
		}
	}
	return "", false
}

// Infer matches title and description, returning model.UnknownComponent when
// nothing matches.
func (d *Dictionary) Infer(title, description string) string {
	if name, ok := d.Match(title + "\n" + description); ok {
		return name
	}
	return model.UnknownComponent
}

// Effective returns the single component a finding is attributed to: its
// upstream component_name when set, otherwise the inferred one.
func (d *Dictionary) Effective(f model.Finding) string {
	if name := Normalize(f.Component()); name != "" {
		return name
	}
	return d.Infer(f.Title, f.Description)
}

// Normalize lower-cases and trims a component name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Known reports whether a component name counts towards component aggregates.
func Known(name string) bool {
	return name != "" && name != model.UnknownComponent
}
