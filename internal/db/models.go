package db

import "time"

// SentinelInsurerName is the reserved canonical name of the fallback insurer
// that absorbs articles with no resolved match.
const SentinelInsurerName = "Não Classificado"

// Insurer is a tracked organization with a canonical name and optional
// comma-separated alternate search terms.
type Insurer struct {
	ID          int64  `gorm:"primaryKey"`
	Name        string `gorm:"size:255;not null;uniqueIndex"`
	SearchTerms string `gorm:"size:2000"`
	Enabled     bool   `gorm:"not null;default:true"`
	Sentinel    bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MatchRun is one batch invocation of the matching pipeline.
type MatchRun struct {
	ID           int64  `gorm:"primaryKey"`
	Status       string `gorm:"size:32;not null"`
	ArticlesIn   int    `gorm:"not null;default:0"`
	Survivors    int    `gorm:"not null;default:0"`
	DupGroups    int    `gorm:"not null;default:0"`
	ErrorMessage string `gorm:"size:4000"`
	StartedAt    time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MatchResultRecord is the persisted outcome for one surviving article.
// Entity multiplicity lives in MatchResultEntity rows.
type MatchResultRecord struct {
	ID          int64   `gorm:"primaryKey"`
	RunID       int64   `gorm:"not null;index"`
	ArticleURL  string  `gorm:"size:2000"`
	Title       string  `gorm:"size:2000;not null"`
	SourceName  string  `gorm:"size:1000"`
	Method      string  `gorm:"size:40;not null;index"`
	Confidence  float64 `gorm:"not null"`
	Reasoning   string  `gorm:"size:4000"`
	Language    string  `gorm:"size:8"`
	PublishedAt *time.Time
	CreatedAt   time.Time
}

// MatchResultEntity is the junction between a match result and an insurer.
type MatchResultEntity struct {
	ID        int64 `gorm:"primaryKey"`
	ResultID  int64 `gorm:"not null;index:idx_result_entity,unique"`
	InsurerID int64 `gorm:"not null;index:idx_result_entity,unique"`
	Ordinal   int   `gorm:"not null"`
}

// DuplicateGroupRecord is the audit row for one collapsed duplicate group.
type DuplicateGroupRecord struct {
	ID           int64  `gorm:"primaryKey"`
	RunID        int64  `gorm:"not null;index"`
	SurvivorURL  string `gorm:"size:2000"`
	MemberCount  int    `gorm:"not null"`
	Signal       string `gorm:"size:32;not null"`
	MergedSource string `gorm:"size:2000"`
	CreatedAt    time.Time
}
