// Package registry exposes the tracked-insurer dictionary as an immutable
// per-run snapshot. Normalized name and term forms are derived once at
// snapshot build so the matching stages never re-normalize dictionary text.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/brasilintel/newsmatch/internal/db"
	"github.com/brasilintel/newsmatch/internal/globaltime"
	"github.com/brasilintel/newsmatch/internal/textnorm"
)

// Entity is one tracked insurer with precomputed normalized search forms.
type Entity struct {
	ID             int64
	Name           string
	NormalizedName string
	Terms          []string
}

// Snapshot is a read-only view of the registry for the duration of one batch.
type Snapshot struct {
	entities   []Entity
	byID       map[int64]Entity
	sentinelID int64
}

// NewSnapshot builds a snapshot from insurer rows. Exactly one row must be
// flagged as the sentinel; an otherwise empty registry is the one hard
// precondition failure this core raises to the caller.
func NewSnapshot(insurers []db.Insurer) (*Snapshot, error) {
	s := &Snapshot{
		byID: make(map[int64]Entity, len(insurers)),
	}

	for _, insurer := range insurers {
		entity := Entity{
			ID:             insurer.ID,
			Name:           insurer.Name,
			NormalizedName: textnorm.Normalize(insurer.Name),
			Terms:          parseTerms(insurer.SearchTerms),
		}
		s.byID[entity.ID] = entity

		if insurer.Sentinel {
			if s.sentinelID != 0 {
				return nil, fmt.Errorf("registry has more than one sentinel insurer")
			}
			s.sentinelID = entity.ID
			continue
		}
		s.entities = append(s.entities, entity)
	}

	if len(s.entities) == 0 {
		return nil, fmt.Errorf("entity registry is empty")
	}
	if s.sentinelID == 0 {
		return nil, fmt.Errorf("registry has no sentinel insurer")
	}
	return s, nil
}

// Entities returns the matchable insurers. The sentinel is excluded: it is a
// fallback assignment, never a search target.
func (s *Snapshot) Entities() []Entity {
	return s.entities
}

func (s *Snapshot) Len() int {
	return len(s.entities)
}

func (s *Snapshot) ByID(id int64) (Entity, bool) {
	entity, ok := s.byID[id]
	return entity, ok
}

// Contains reports whether id refers to a real (non-sentinel) insurer in
// this snapshot.
func (s *Snapshot) Contains(id int64) bool {
	if id == s.sentinelID {
		return false
	}
	_, ok := s.byID[id]
	return ok
}

func (s *Snapshot) SentinelID() int64 {
	return s.sentinelID
}

// Load reads the enabled insurers plus the sentinel and builds a snapshot.
// Called once per batch; the snapshot is never refreshed mid-run.
func Load(ctx context.Context, pool *db.Pool) (*Snapshot, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}

	var insurers []db.Insurer
	err := pool.GORM().WithContext(ctx).
		Where("enabled = ? OR sentinel = ?", true, true).
		Order("id").
		Find(&insurers).Error
	if err != nil {
		return nil, fmt.Errorf("load insurers: %w", err)
	}

	return NewSnapshot(insurers)
}

// EnsureSentinel creates the reserved unclassified insurer if it does not
// exist yet and returns its id. Safe to call on every startup.
func EnsureSentinel(ctx context.Context, pool *db.Pool) (int64, error) {
	if pool == nil {
		return 0, fmt.Errorf("database pool is nil")
	}

	gdb := pool.GORM().WithContext(ctx)

	var existing db.Insurer
	err := gdb.Where("sentinel = ?", true).First(&existing).Error
	if err == nil {
		return existing.ID, nil
	}
	if !db.IsNoRows(err) {
		return 0, fmt.Errorf("query sentinel insurer: %w", err)
	}

	now := globaltime.UTC()
	sentinel := db.Insurer{
		Name:      db.SentinelInsurerName,
		Enabled:   true,
		Sentinel:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := gdb.Create(&sentinel).Error; err != nil {
		return 0, fmt.Errorf("create sentinel insurer: %w", err)
	}
	return sentinel.ID, nil
}

func parseTerms(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	terms := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		term := textnorm.Normalize(part)
		if term == "" {
			continue
		}
		if _, exists := seen[term]; exists {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms
}
