// Package match assigns articles to tracked insurers: deterministic
// dictionary search first, AI disambiguation for ambiguous cases, sentinel
// fallback so no article leaves the batch unassigned.
package match

import (
	"strings"
	"time"

	"github.com/brasilintel/newsmatch/internal/textnorm"
)

// Method tags for MatchResult, logged per batch to monitor match-rate health.
const (
	MethodDeterministicSingle = "deterministic_single"
	MethodDeterministicMulti  = "deterministic_multi"
	MethodAIDisambiguation    = "ai_disambiguation"
	MethodUnmatched           = "unmatched"
)

// Article is one immutable news item supplied by the collection collaborator.
type Article struct {
	Title       string
	Description string
	URL         string
	PublishedAt time.Time
	SourceName  string
	RawText     string
}

// SearchText returns the normalized title+description the matching stages
// search in. Dictionary entries are normalized the same way, so accented and
// unaccented forms of a name compare equal.
func (a Article) SearchText() string {
	return textnorm.Normalize(strings.TrimSpace(a.Title + " " + a.Description))
}

// Result is the matching outcome for one surviving article.
type Result struct {
	Article    Article
	EntityIDs  []int64
	Confidence float64
	Method     string
	Reasoning  string
}

// Stats aggregates method tags across one batch.
type Stats struct {
	Total               int
	DeterministicSingle int
	DeterministicMulti  int
	AIDisambiguation    int
	Unmatched           int
}

func (s *Stats) count(method string) {
	s.Total++
	switch method {
	case MethodDeterministicSingle:
		s.DeterministicSingle++
	case MethodDeterministicMulti:
		s.DeterministicMulti++
	case MethodAIDisambiguation:
		s.AIDisambiguation++
	default:
		s.Unmatched++
	}
}
