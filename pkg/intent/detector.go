// Package intent detects requests to change the active model in free text.
//
// Detection is a deterministic keyword scorer: a message must contain a
// trigger word, then every catalog model is scored by which of its keywords
// appear in the text, weighted by how specific the keyword is. The keyword
// and weight tables are plain data (see Tables) so they can be tested and
// extended without touching the scorer.
package intent

import (
	"regexp"
	"strings"

	"github.com/nous-labs/modelswitch/pkg/catalog"
	"github.com/nous-labs/modelswitch/pkg/scope"
)

// Confidence is a coarse label for how specific the winning match was.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Detection is the result of a successful Detect.
type Detection struct {
	ModelID         string
	Scope           scope.Scope
	Confidence      Confidence
	Score           int
	MatchedKeywords []string
}

// Keyword is one scored token for a model.
type Keyword struct {
	Text string
	Kind Kind
}

var versionPattern = regexp.MustCompile(`\d+\.\d+`)

// Detector is safe for concurrent use; it holds no mutable state.
type Detector struct {
	tables Tables
}

// New returns a Detector using t. Keywords are lower-cased up front.
func New(t Tables) *Detector {
	t.Triggers = lowerAll(t.Triggers)
	t.Permanent = lowerAll(t.Permanent)
	brands := make([]Brand, len(t.Brands))
	for i, b := range t.Brands {
		brands[i] = Brand{Match: strings.ToLower(b.Match), Synonyms: lowerAll(b.Synonyms)}
	}
	t.Brands = brands
	scopes := make([]ScopeKeywords, len(t.Scopes))
	for i, s := range t.Scopes {
		scopes[i] = ScopeKeywords{Scope: s.Scope, Keywords: lowerAll(s.Keywords)}
	}
	t.Scopes = scopes
	return &Detector{tables: t}
}

// Default returns a Detector with DefaultTables.
func Default() *Detector {
	return New(DefaultTables())
}

// HasTrigger reports whether text contains any switch trigger word.
func (d *Detector) HasTrigger(text string) bool {
	return containsAny(strings.ToLower(text), d.tables.Triggers) != ""
}

// Detect returns the model the text asks to switch to, or nil when the text
// has no trigger word or mentions no catalog model.
func (d *Detector) Detect(text string, cat *catalog.Catalog) *Detection {
	if cat == nil {
		return nil
	}
	lower := strings.ToLower(text)
	if containsAny(lower, d.tables.Triggers) == "" {
		return nil
	}

	var best *Detection
	for _, m := range cat.Models() {
		score := 0
		var matched []string
		for _, kw := range d.Keywords(m, cat) {
			if strings.Contains(lower, kw.Text) {
				score += d.tables.Weights[kw.Kind]
				matched = append(matched, kw.Text)
			}
		}
		// strictly greater: ties keep the earlier catalog entry
		if score > 0 && (best == nil || score > best.Score) {
			best = &Detection{ModelID: m.ID, Score: score, MatchedKeywords: matched}
		}
	}
	if best == nil {
		return nil
	}

	best.Scope = d.detectScope(lower)
	best.Confidence = d.confidence(best.Score)
	return best
}

// Keywords builds the scored keyword list for one model. Each (text, kind)
// pair appears once.
func (d *Detector) Keywords(m catalog.Descriptor, cat *catalog.Catalog) []Keyword {
	var out []Keyword
	seen := make(map[Keyword]bool)
	add := func(text string, kind Kind) {
		text = strings.TrimSpace(strings.ToLower(text))
		if text == "" {
			return
		}
		kw := Keyword{Text: text, Kind: kind}
		if seen[kw] {
			return
		}
		seen[kw] = true
		out = append(out, kw)
	}

	id := strings.ToLower(m.ID)
	name := strings.ToLower(m.Name())
	display := strings.ToLower(m.DisplayName)

	for _, v := range versionPattern.FindAllString(display+" "+name, -1) {
		add(v, KindVersion)
	}
	if strings.Contains(id, "/") {
		add(id, KindFullID)
	}
	add(name, KindName)
	add(display, KindName)
	if i := strings.IndexByte(name, '-'); i >= 3 {
		add(name[:i], KindName)
	}
	for _, b := range d.tables.Brands {
		if strings.Contains(display, b.Match) || strings.Contains(name, b.Match) {
			add(b.Match, KindBrand)
			for _, syn := range b.Synonyms {
				add(syn, KindBrand)
			}
		}
	}
	if cat != nil {
		for _, alias := range cat.AliasesFor(m.ID) {
			add(alias, KindAlias)
		}
	}
	return out
}

func (d *Detector) detectScope(lower string) scope.Scope {
	detected := scope.Session
	for _, s := range d.tables.Scopes {
		if containsAny(lower, s.Keywords) != "" {
			detected = s.Scope
			break
		}
	}
	// permanent keywords always win, even over an explicit global
	if containsAny(lower, d.tables.Permanent) != "" {
		detected = scope.User
	}
	return detected
}

func (d *Detector) confidence(score int) Confidence {
	switch {
	case score >= d.tables.HighThreshold:
		return ConfidenceHigh
	case score >= d.tables.MediumThreshold:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func containsAny(s string, words []string) string {
	for _, w := range words {
		if w != "" && strings.Contains(s, w) {
			return w
		}
	}
	return ""
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
