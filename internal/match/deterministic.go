package match

import (
	"regexp"
	"unicode/utf8"

	"github.com/brasilintel/newsmatch/internal/registry"
)

// MinNameLength is the shortest normalized canonical name the deterministic
// stage will search for. Shorter names ("AXA" would be fine, "HDI" too, but
// two-letter acronyms collide with ordinary words) are left to the AI stage.
const MinNameLength = 4

// Deterministic searches normalized article text for insurer names and search
// terms on word boundaries. Patterns are compiled once per registry snapshot
// and reused across the whole batch.
type Deterministic struct {
	entities []entityPatterns
}

type entityPatterns struct {
	id       int64
	patterns []*regexp.Regexp
}

// NewDeterministic compiles word-boundary patterns for every matchable
// insurer in the snapshot. Entities whose normalized name is shorter than
// MinNameLength are excluded entirely; short search terms are skipped the
// same way.
func NewDeterministic(snapshot *registry.Snapshot) *Deterministic {
	d := &Deterministic{}
	for _, entity := range snapshot.Entities() {
		if utf8.RuneCountInString(entity.NormalizedName) < MinNameLength {
			continue
		}

		ep := entityPatterns{id: entity.ID}
		ep.patterns = append(ep.patterns, wordPattern(entity.NormalizedName))
		for _, term := range entity.Terms {
			if utf8.RuneCountInString(term) < MinNameLength {
				continue
			}
			if term == entity.NormalizedName {
				continue
			}
			ep.patterns = append(ep.patterns, wordPattern(term))
		}
		d.entities = append(d.entities, ep)
	}
	return d
}

// MatchIDs returns the ids of all insurers whose name or any search term
// occurs in content as a whole word. Content must already be normalized, the
// way Article.SearchText produces it. Each insurer appears at most once, in
// registry order.
func (d *Deterministic) MatchIDs(content string) []int64 {
	if content == "" {
		return nil
	}

	var ids []int64
	for _, entity := range d.entities {
		for _, pattern := range entity.patterns {
			if pattern.MatchString(content) {
				ids = append(ids, entity.id)
				break
			}
		}
	}
	return ids
}

// wordPattern anchors the term on word boundaries so "porto" never matches
// inside "reportar". Normalized text is accent-folded, so the ASCII \b
// semantics of regexp are sufficient.
func wordPattern(term string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(term) + `\b`)
}
