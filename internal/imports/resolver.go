package imports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PlanFactsLab/planfacts/backend/internal/directory"
	"github.com/PlanFactsLab/planfacts/backend/internal/metrics"
	"github.com/PlanFactsLab/planfacts/backend/internal/trust"
)

// ErrAlreadyResolved indicates a second resolution attempt on a terminal conflict.
var ErrAlreadyResolved = errors.New("imports: conflict already resolved")

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// importableColumns whitelists the provider columns a bulk import may write.
var importableColumns = map[string]string{
	"display_name":  "display_name",
	"specialty":     "specialty",
	"phone":         "phone",
	"fax":           "fax",
	"address_line1": "address_line1",
	"city":          "city",
	"state":         "state",
	"postal_code":   "postal_code",
}

// protectedFields are never silently overwritten once a record carries
// enrichment or verification data.
var protectedFields = map[string]bool{
	"display_name":  true,
	"specialty":     true,
	"phone":         true,
	"address_line1": true,
}

// ResolverConfig describes the dependencies of the import conflict resolver.
type ResolverConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider trust.IDProvider
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Resolver consumes the bulk import's field-level write intents. Writes that
// would stomp enriched data are diverted into the conflict queue for a later
// one-shot resolution; everything else applies as a plain update.
type Resolver struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider trust.IDProvider
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewResolver validates configuration and constructs a resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("imports: %w", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("imports: %w", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// FieldUpdate is one write intent from an import batch.
type FieldUpdate struct {
	ProviderID string
	Field      string
	Incoming   string
}

// FieldOutcome reports what happened to one write intent.
type FieldOutcome struct {
	Applied    bool
	ConflictID string
}

// ApplyField processes one write intent. A protected field on an enriched
// record whose incoming value differs from the current one opens exactly one
// pending conflict; re-running the identical intent is a no-op.
func (r *Resolver) ApplyField(ctx context.Context, update FieldUpdate) (FieldOutcome, error) {
	update.ProviderID = strings.TrimSpace(update.ProviderID)
	update.Field = strings.TrimSpace(update.Field)
	column, ok := importableColumns[update.Field]
	if !ok {
		return FieldOutcome{}, fmt.Errorf("imports: %w: field %q is not importable", trust.ErrValidation, update.Field)
	}
	if update.ProviderID == "" {
		return FieldOutcome{}, fmt.Errorf("imports: %w: provider id is required", trust.ErrValidation)
	}

	var outcome FieldOutcome
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var provider directory.Provider
		err := tx.Where("provider_id = ?", update.ProviderID).Take(&provider).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("imports: %w: provider %s", trust.ErrNotFound, update.ProviderID)
		}
		if err != nil {
			return err
		}

		current, _ := provider.FieldValue(update.Field)
		if provider.Enriched() && protectedFields[update.Field] && current != update.Incoming {
			return r.openConflict(tx, update, current, &outcome)
		}

		if current == update.Incoming {
			outcome.Applied = true
			return nil
		}
		if err := tx.Model(&directory.Provider{}).
			Where("provider_id = ?", update.ProviderID).
			Update(column, update.Incoming).Error; err != nil {
			return err
		}
		outcome.Applied = true
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, trust.ErrNotFound) && !errors.Is(txErr, trust.ErrValidation) {
			r.logger.Error("import field write failed",
				zap.String("provider_id", update.ProviderID),
				zap.String("field", update.Field),
				zap.Error(txErr))
		}
		return FieldOutcome{}, txErr
	}
	return outcome, nil
}

// openConflict records the disagreement, reusing an existing row for the same
// target/field/incoming triple whatever its status, so resolved conflicts are
// not reopened by a re-run of the same batch.
func (r *Resolver) openConflict(tx *gorm.DB, update FieldUpdate, current string, outcome *FieldOutcome) error {
	var existing ImportConflict
	err := tx.Where("target_record_id = ? AND field_name = ? AND incoming_value = ?",
		update.ProviderID, update.Field, update.Incoming).
		Take(&existing).Error
	if err == nil {
		outcome.ConflictID = existing.ConflictID
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	conflictID, err := r.idProvider.NewID()
	if err != nil {
		return err
	}
	conflict := ImportConflict{
		ConflictID:     conflictID,
		TargetRecordID: update.ProviderID,
		FieldName:      update.Field,
		CurrentValue:   current,
		IncomingValue:  update.Incoming,
		Status:         ConflictPending,
	}
	if err := tx.Create(&conflict).Error; err != nil {
		// A concurrent import already opened the identical conflict.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return tx.Where("target_record_id = ? AND field_name = ? AND incoming_value = ?",
				update.ProviderID, update.Field, update.Incoming).
				Take(&existing).Error
		}
		return err
	}
	if r.metrics != nil {
		r.metrics.CountConflictOpened()
	}
	r.logger.Info("import conflict opened",
		zap.String("provider_id", update.ProviderID),
		zap.String("field", update.Field))
	outcome.ConflictID = conflictID
	return nil
}

// BatchReport summarizes one import batch pass.
type BatchReport struct {
	Applied   int
	Conflicts int
}

// ApplyBatch runs a slice of write intents, one transaction each, so a bad
// row does not poison the rest of the batch.
func (r *Resolver) ApplyBatch(ctx context.Context, updates []FieldUpdate) (BatchReport, error) {
	var report BatchReport
	for _, update := range updates {
		outcome, err := r.ApplyField(ctx, update)
		if err != nil {
			return report, err
		}
		if outcome.Applied {
			report.Applied++
		} else {
			report.Conflicts++
		}
	}
	return report, nil
}

// List returns conflicts, optionally filtered by status, newest first.
func (r *Resolver) List(ctx context.Context, status ConflictStatus) ([]ImportConflict, error) {
	query := r.db.WithContext(ctx).Model(&ImportConflict{}).Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var conflicts []ImportConflict
	if err := query.Find(&conflicts).Error; err != nil {
		return nil, err
	}
	return conflicts, nil
}

// Resolve applies a terminal outcome to a pending conflict exactly once.
// keep_current discards the incoming value, accept_incoming applies it,
// manual defers to an out-of-band operator decision.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, outcome ConflictStatus) error {
	if !TerminalOutcome(outcome) {
		return fmt.Errorf("imports: %w: outcome %q", trust.ErrValidation, outcome)
	}

	now := r.clock().UTC()
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conflict ImportConflict
		err := tx.Where("conflict_id = ?", conflictID).Take(&conflict).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("imports: %w: conflict %s", trust.ErrNotFound, conflictID)
		}
		if err != nil {
			return err
		}
		if conflict.Status != ConflictPending {
			return fmt.Errorf("%w: conflict %s is %s", ErrAlreadyResolved, conflictID, conflict.Status)
		}

		if outcome == ConflictAcceptIncoming {
			column, ok := importableColumns[conflict.FieldName]
			if !ok {
				return fmt.Errorf("imports: %w: field %q is not importable", trust.ErrValidation, conflict.FieldName)
			}
			if err := tx.Model(&directory.Provider{}).
				Where("provider_id = ?", conflict.TargetRecordID).
				Update(column, conflict.IncomingValue).Error; err != nil {
				return err
			}
		}

		return tx.Model(&ImportConflict{}).
			Where("conflict_id = ?", conflictID).
			Updates(map[string]any{
				"status":      outcome,
				"resolved_at": now,
			}).Error
	})
	if txErr != nil {
		if !errors.Is(txErr, trust.ErrNotFound) && !errors.Is(txErr, ErrAlreadyResolved) {
			r.logger.Error("conflict resolution failed",
				zap.String("conflict_id", conflictID), zap.Error(txErr))
		}
		return txErr
	}

	if r.metrics != nil {
		r.metrics.CountConflictResolved(string(outcome))
	}
	return nil
}
