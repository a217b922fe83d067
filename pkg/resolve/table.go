package resolve

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed aliases.yaml
var defaultAliases []byte

// Alias is one static table entry.
type Alias struct {
	ID      int      `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Table is the static alias table for products and tools.
type Table struct {
	Products []Alias `yaml:"products" json:"products"`
	Tools    []Alias `yaml:"tools" json:"tools"`
}

// ParseTable parses a YAML alias table. Names are taken literally.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse alias table: %w", err)
	}
	for _, list := range [][]Alias{t.Products, t.Tools} {
		for _, a := range list {
			if a.Name == "" {
				return nil, fmt.Errorf("parse alias table: entry with id %d has no name", a.ID)
			}
		}
	}
	return &t, nil
}

// LoadTable reads an alias table from path.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alias table: %w", err)
	}
	return ParseTable(data)
}

// DefaultTable returns the built-in alias table.
func DefaultTable() *Table {
	t, err := ParseTable(defaultAliases)
	if err != nil {
		panic(err)
	}
	return t
}

// Merge returns a table with the entries of other appended to t. Entries of
// t win on conflicts because they are looked up first.
func (t *Table) Merge(other *Table) *Table {
	if other == nil {
		return t
	}
	return &Table{
		Products: append(append([]Alias(nil), t.Products...), other.Products...),
		Tools:    append(append([]Alias(nil), t.Tools...), other.Tools...),
	}
}

// Normalize folds case and strips whitespace, hyphens and underscores, so that
// "Payments-API", "payments_api" and " payments api " compare equal.
func Normalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if unicode.IsSpace(r) || r == '-' || r == '_' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// index is the lookup form of one entity list.
type index struct {
	byID   map[int]Alias
	byName map[string]Alias
}

func newIndex(list []Alias) index {
	idx := index{byID: make(map[int]Alias, len(list)), byName: make(map[string]Alias, len(list)*2)}
	for _, a := range list {
		if _, dup := idx.byID[a.ID]; !dup {
			idx.byID[a.ID] = a
		}
		keys := append([]string{a.Name}, a.Aliases...)
		for _, k := range keys {
			nk := Normalize(k)
			if _, dup := idx.byName[nk]; nk != "" && !dup {
				idx.byName[nk] = a
			}
		}
	}
	return idx
}
