package imports

import "time"

// ConflictStatus tracks the lifecycle of an import disagreement. Transitions
// run pending to exactly one terminal outcome.
type ConflictStatus string

const (
	ConflictPending        ConflictStatus = "pending"
	ConflictKeepCurrent    ConflictStatus = "keep_current"
	ConflictAcceptIncoming ConflictStatus = "accept_incoming"
	ConflictManual         ConflictStatus = "manual"
)

// TerminalOutcome reports whether a status is a valid resolution target.
func TerminalOutcome(status ConflictStatus) bool {
	switch status {
	case ConflictKeepCurrent, ConflictAcceptIncoming, ConflictManual:
		return true
	default:
		return false
	}
}

// ImportConflict records a bulk-import write that disagreed with enriched
// data instead of silently overwriting it. The unique index over target,
// field and incoming value makes re-running the same import batch idempotent.
type ImportConflict struct {
	ConflictID     string         `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	TargetRecordID string         `gorm:"column:target_record_id;size:190;not null;uniqueIndex:idx_conflict_intent,priority:1"`
	FieldName      string         `gorm:"column:field_name;size:64;not null;uniqueIndex:idx_conflict_intent,priority:2"`
	CurrentValue   string         `gorm:"column:current_value;size:512;not null;default:''"`
	IncomingValue  string         `gorm:"column:incoming_value;size:512;not null;default:'';uniqueIndex:idx_conflict_intent,priority:3"`
	Status         ConflictStatus `gorm:"column:status;size:32;not null;default:'pending';index"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
	ResolvedAt     *time.Time     `gorm:"column:resolved_at"`
}

// TableName provides the explicit table binding for GORM.
func (ImportConflict) TableName() string {
	return "import_conflicts"
}
