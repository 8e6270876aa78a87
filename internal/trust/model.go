package trust

import (
	"strings"
	"time"
)

// AcceptanceStatus enumerates the stored answer to "does this provider accept this plan".
type AcceptanceStatus string

const (
	StatusAccepted    AcceptanceStatus = "accepted"
	StatusNotAccepted AcceptanceStatus = "not_accepted"
	StatusPending     AcceptanceStatus = "pending"
	StatusUnknown     AcceptanceStatus = "unknown"
)

// DataSource tags the origin of an acceptance fact. The set is closed; the
// scorer validates its weight table against allDataSources at construction.
type DataSource string

const (
	// SourceCarrierFeed is insurance-carrier supplied network data.
	SourceCarrierFeed DataSource = "carrier_feed"
	// SourceRegistryImport is the periodic bulk import of the public registry.
	SourceRegistryImport DataSource = "registry_import"
	// SourceEnrichment marks records improved by an enrichment pass.
	SourceEnrichment DataSource = "enrichment"
	// SourceCrowdsource marks records last touched by an end-user submission.
	SourceCrowdsource DataSource = "crowdsource"
)

var allDataSources = []DataSource{
	SourceCarrierFeed,
	SourceRegistryImport,
	SourceEnrichment,
	SourceCrowdsource,
}

// SpecialtyCategory groups provider specialties by how quickly their network
// participation goes stale.
type SpecialtyCategory string

const (
	// SpecialtyBehavioralHealth covers mental-health style practices with high network churn.
	SpecialtyBehavioralHealth SpecialtyCategory = "behavioral_health"
	// SpecialtyOfficeBased covers primary care and most office-based specialists.
	SpecialtyOfficeBased SpecialtyCategory = "office_based"
	// SpecialtyFacility covers hospital-based and facility categories.
	SpecialtyFacility SpecialtyCategory = "facility"
)

var allSpecialtyCategories = []SpecialtyCategory{
	SpecialtyBehavioralHealth,
	SpecialtyOfficeBased,
	SpecialtyFacility,
}

// VoteDirection is an up or down vote on a verification.
type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

// ParseVoteDirection normalizes raw client input into a VoteDirection.
func ParseVoteDirection(raw string) (VoteDirection, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(VoteUp):
		return VoteUp, true
	case string(VoteDown):
		return VoteDown, true
	default:
		return "", false
	}
}

// ConfidenceLevel is the categorical rendering of a numeric confidence score.
type ConfidenceLevel string

const (
	LevelVeryLow  ConfidenceLevel = "very_low"
	LevelLow      ConfidenceLevel = "low"
	LevelMedium   ConfidenceLevel = "medium"
	LevelHigh     ConfidenceLevel = "high"
	LevelVeryHigh ConfidenceLevel = "very_high"
)

// PlanAcceptance is the trust-bearing fact: one row per
// (provider, plan, location) with its current confidence snapshot.
// A nil ExpiresAt marks pre-TTL legacy data and is treated as never expired.
type PlanAcceptance struct {
	AcceptanceID      string            `gorm:"column:acceptance_id;primaryKey;size:190;not null"`
	ProviderID        string            `gorm:"column:provider_id;size:190;not null;uniqueIndex:idx_acceptance_fact,priority:1"`
	PlanID            string            `gorm:"column:plan_id;size:190;not null;uniqueIndex:idx_acceptance_fact,priority:2"`
	LocationID        string            `gorm:"column:location_id;size:190;not null;default:'';uniqueIndex:idx_acceptance_fact,priority:3"`
	Status            AcceptanceStatus  `gorm:"column:status;size:32;not null"`
	Specialty         SpecialtyCategory `gorm:"column:specialty;size:64;not null"`
	ConfidenceScore   int               `gorm:"column:confidence_score;not null;default:0"`
	ConfidenceLevel   ConfidenceLevel   `gorm:"column:confidence_level;size:32;not null;default:''"`
	DataSourceScore   int               `gorm:"column:data_source_score;not null;default:0"`
	RecencyScore      int               `gorm:"column:recency_score;not null;default:0"`
	VerificationScore int               `gorm:"column:verification_score;not null;default:0"`
	AgreementScore    int               `gorm:"column:agreement_score;not null;default:0"`
	VerificationCount int64             `gorm:"column:verification_count;not null;default:0"`
	DataSource        DataSource        `gorm:"column:data_source;size:32;not null"`
	LastVerifiedAt    *time.Time        `gorm:"column:last_verified_at"`
	ExpiresAt         *time.Time        `gorm:"column:expires_at;index"`
	CreatedAt         time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (PlanAcceptance) TableName() string {
	return "plan_acceptances"
}

// VerificationLog is the append-mostly audit record of one submission. Only
// the vote tallies and expiration mutate after insert. AcceptanceID is
// nullable so the audit trail survives deletion of the parent fact.
// SourceIP, UserAgent and SubmittedBy exist for anti-abuse auditing only and
// must be stripped before a log leaves the service layer.
type VerificationLog struct {
	VerificationID string           `gorm:"column:verification_id;primaryKey;size:190;not null"`
	AcceptanceID   *string          `gorm:"column:acceptance_id;size:190;index"`
	ProviderID     string           `gorm:"column:provider_id;size:190;not null;index:idx_verifications_fact,priority:1"`
	PlanID         string           `gorm:"column:plan_id;size:190;not null;index:idx_verifications_fact,priority:2"`
	LocationID     string           `gorm:"column:location_id;size:190;not null;default:''"`
	SourceIP       string           `gorm:"column:source_ip;size:64;not null"`
	UserAgent      string           `gorm:"column:user_agent;size:512;not null;default:''"`
	SubmittedBy    string           `gorm:"column:submitted_by;size:190;not null;default:''"`
	PreviousStatus AcceptanceStatus `gorm:"column:previous_status;size:32;not null;default:''"`
	NewStatus      AcceptanceStatus `gorm:"column:new_status;size:32;not null"`
	Upvotes        int64            `gorm:"column:upvotes;not null;default:0"`
	Downvotes      int64            `gorm:"column:downvotes;not null;default:0"`
	ExpiresAt      *time.Time       `gorm:"column:expires_at;index"`
	CreatedAt      time.Time        `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (VerificationLog) TableName() string {
	return "verification_logs"
}

// Sanitized returns a copy safe to hand to callers: the direct-identifier
// columns are blanked, they exist only for anti-abuse auditing.
func (v VerificationLog) Sanitized() VerificationLog {
	v.SourceIP = ""
	v.UserAgent = ""
	v.SubmittedBy = ""
	return v
}

// VoteLog records one identity's vote on one verification. The composite
// primary key is the storage-level uniqueness constraint the vote path
// treats as the authoritative duplicate signal.
type VoteLog struct {
	VerificationID string        `gorm:"column:verification_id;primaryKey;size:190;not null"`
	SourceIP       string        `gorm:"column:source_ip;primaryKey;size:64;not null"`
	Direction      VoteDirection `gorm:"column:direction;size:8;not null"`
	CreatedAt      time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (VoteLog) TableName() string {
	return "vote_logs"
}
