// Package catalog holds the set of language models the bot is allowed to
// switch to. A Catalog is immutable once built; reloading produces a new one.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrNotFound is returned by Get when no descriptor has the requested id.
var ErrNotFound = errors.New("model not found")

// Descriptor describes a single model.
type Descriptor struct {
	ID                string   `json:"id" yaml:"id"` // "<provider>/<name>"
	DisplayName       string   `json:"display_name" yaml:"display_name"`
	Provider          string   `json:"provider" yaml:"provider"`
	ContextWindow     int      `json:"context_window" yaml:"context_window"`
	MaxOutputTokens   int      `json:"max_output_tokens" yaml:"max_output_tokens"`
	SupportsReasoning bool     `json:"supports_reasoning" yaml:"supports_reasoning"`
	InputModalities   []string `json:"input_modalities" yaml:"input_modalities"`
	OutputModalities  []string `json:"output_modalities" yaml:"output_modalities"`
}

// Name returns the part of the id after the provider prefix.
func (d Descriptor) Name() string {
	if i := strings.IndexByte(d.ID, '/'); i >= 0 {
		return d.ID[i+1:]
	}
	return d.ID
}

// Source identifies where a catalog's descriptors came from.
const (
	SourceLive    = "live"
	SourceFile    = "file"
	SourceBuiltin = "builtin"
)

var idFormat = regexp.MustCompile(`^[A-Za-z0-9._-]+/[A-Za-z0-9._-]+$`)

// ValidFormat reports whether id has the "<provider>/<name>" shape with
// exactly one slash and only letters, digits, '.', '_' and '-' in each part.
func ValidFormat(id string) bool {
	return idFormat.MatchString(id)
}

// Catalog is an ordered, immutable set of model descriptors plus the alias table.
type Catalog struct {
	models  []Descriptor
	index   map[string]int
	aliases map[string]string
	source  string
}

// New builds a catalog from descriptors in the given order. Duplicate ids keep
// the first occurrence. A nil alias map uses DefaultAliases.
func New(models []Descriptor, aliases map[string]string, source string) *Catalog {
	if aliases == nil {
		aliases = DefaultAliases()
	}
	c := &Catalog{
		index:   make(map[string]int, len(models)),
		aliases: make(map[string]string, len(aliases)),
		source:  source,
	}
	for _, m := range models {
		if _, dup := c.index[m.ID]; dup {
			continue
		}
		c.index[m.ID] = len(c.models)
		c.models = append(c.models, m)
	}
	for k, v := range aliases {
		c.aliases[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return c
}

// Source reports which source populated the catalog.
func (c *Catalog) Source() string { return c.source }

// Len returns the number of models.
func (c *Catalog) Len() int { return len(c.models) }

// Validate reports whether id names a model in the catalog. Exact, case-sensitive.
func (c *Catalog) Validate(id string) bool {
	_, ok := c.index[id]
	return ok
}

// Get returns the descriptor for id.
func (c *Catalog) Get(id string) (Descriptor, error) {
	i, ok := c.index[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.models[i], nil
}

// ResolveAlias maps a short alias ("fast", "smart", ...) to a full model id.
// Unknown tokens are returned unchanged.
func (c *Catalog) ResolveAlias(token string) string {
	if id, ok := c.aliases[strings.ToLower(strings.TrimSpace(token))]; ok {
		return id
	}
	return token
}

// Aliases returns a copy of the alias table.
func (c *Catalog) Aliases() map[string]string {
	out := make(map[string]string, len(c.aliases))
	for k, v := range c.aliases {
		out[k] = v
	}
	return out
}

// AliasesFor returns the sorted alias tokens that map to id.
func (c *Catalog) AliasesFor(id string) []string {
	var out []string
	for k, v := range c.aliases {
		if v == id {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	Provider      string
	Query         string // case-insensitive substring of id or display name
	ReasoningOnly bool
}

// Models returns every descriptor in catalog order.
func (c *Catalog) Models() []Descriptor {
	out := make([]Descriptor, len(c.models))
	copy(out, c.models)
	return out
}

// List returns descriptors matching f, in catalog order.
func (c *Catalog) List(f Filter) []Descriptor {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	var out []Descriptor
	for _, m := range c.models {
		if f.Provider != "" && !strings.EqualFold(m.Provider, f.Provider) {
			continue
		}
		if f.ReasoningOnly && !m.SupportsReasoning {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(m.ID), q) &&
			!strings.Contains(strings.ToLower(m.DisplayName), q) {
			continue
		}
		out = append(out, m)
	}
	return out
}
