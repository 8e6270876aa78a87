package trust

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PlanFactsLab/planfacts/backend/internal/metrics"
)

const defaultCleanupBatchSize = 1000

const (
	opLifecycleNew      = "trust.lifecycle.new"
	opCleanupExpired    = "trust.lifecycle.cleanup_expired"
	opExpirationStats   = "trust.lifecycle.expiration_stats"
	opBackfillExpiry    = "trust.lifecycle.backfill_expirations"
	reasonQueryFailed   = "query_failed"
	reasonDeleteFailed  = "delete_failed"
	reasonUpdateFailed  = "update_failed"
	reasonMissingDB     = "missing_database"
	reasonInvalidConfig = "invalid_config"
)

var errLifecycleMissingDatabase = errors.New("database handle is required")

// LifecycleConfig describes the dependencies of the TTL lifecycle manager.
type LifecycleConfig struct {
	Database *gorm.DB
	Config   Config
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Lifecycle owns evidence expiration: it stamps new expirations, filters
// expired rows out of live queries, and cleans them up in bounded batches.
type Lifecycle struct {
	db      *gorm.DB
	ttl     time.Duration
	clock   func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewLifecycle validates configuration and returns a lifecycle manager.
func NewLifecycle(cfg LifecycleConfig) (*Lifecycle, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLifecycleNew, reasonMissingDB, errLifecycleMissingDatabase)
	}
	if err := cfg.Config.validate(); err != nil {
		return nil, newServiceError(opLifecycleNew, reasonInvalidConfig, err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Lifecycle{
		db:      cfg.Database,
		ttl:     cfg.Config.VerificationTTL,
		clock:   clock,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// ExpirationDate returns when evidence recorded at the given instant expires.
func (l *Lifecycle) ExpirationDate(now time.Time) time.Time {
	return now.Add(l.ttl)
}

// NotExpired is a query scope keeping rows whose expires_at is unset (pre-TTL
// legacy rows stay valid forever) or still in the future. Every consensus
// count and recency listing must apply it so expired evidence never inflates
// a live score.
func NotExpired(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("expires_at IS NULL OR expires_at > ?", now)
	}
}

// CleanupReport summarizes one cleanup invocation.
type CleanupReport struct {
	DryRun                bool
	BatchSize             int
	ExpiredVerifications  int64
	ExpiredAcceptances    int64
	DeletedVerifications  int64
	DeletedAcceptances    int64
	DeletedVotes          int64
	UnlinkedVerifications int64
}

// CleanupExpired counts expired verification logs and acceptance facts, and
// unless dryRun deletes them in rounds bounded by batchSize. A table's
// deletion stops once a round removes fewer rows than the batch size, which
// keeps a single invocation bounded even while new rows keep expiring.
func (l *Lifecycle) CleanupExpired(ctx context.Context, dryRun bool, batchSize int) (CleanupReport, error) {
	if batchSize <= 0 {
		batchSize = defaultCleanupBatchSize
	}
	now := l.clock().UTC()
	report := CleanupReport{DryRun: dryRun, BatchSize: batchSize}

	if err := l.db.WithContext(ctx).Model(&VerificationLog{}).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Count(&report.ExpiredVerifications).Error; err != nil {
		l.logError(opCleanupExpired, reasonQueryFailed, err)
		return CleanupReport{}, newServiceError(opCleanupExpired, reasonQueryFailed, err)
	}
	if err := l.db.WithContext(ctx).Model(&PlanAcceptance{}).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Count(&report.ExpiredAcceptances).Error; err != nil {
		l.logError(opCleanupExpired, reasonQueryFailed, err)
		return CleanupReport{}, newServiceError(opCleanupExpired, reasonQueryFailed, err)
	}

	if dryRun || (report.ExpiredVerifications == 0 && report.ExpiredAcceptances == 0) {
		return report, nil
	}

	if err := l.deleteExpiredVerifications(ctx, now, batchSize, &report); err != nil {
		return CleanupReport{}, err
	}
	if err := l.deleteExpiredAcceptances(ctx, now, batchSize, &report); err != nil {
		return CleanupReport{}, err
	}

	if l.metrics != nil {
		l.metrics.CountEvidenceDeleted("verification_logs", report.DeletedVerifications)
		l.metrics.CountEvidenceDeleted("vote_logs", report.DeletedVotes)
		l.metrics.CountEvidenceDeleted("plan_acceptances", report.DeletedAcceptances)
	}

	l.logger.Info("expired evidence cleaned up",
		zap.Int64("deleted_verifications", report.DeletedVerifications),
		zap.Int64("deleted_acceptances", report.DeletedAcceptances),
		zap.Int64("deleted_votes", report.DeletedVotes))
	return report, nil
}

// deleteExpiredVerifications removes expired verification logs round by
// round, each round one transaction. Vote logs cascade inside the same
// transaction so a failed round rolls back whole.
func (l *Lifecycle) deleteExpiredVerifications(ctx context.Context, now time.Time, batchSize int, report *CleanupReport) error {
	for {
		var deleted int64
		txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var ids []string
			if err := tx.Model(&VerificationLog{}).
				Where("expires_at IS NOT NULL AND expires_at <= ?", now).
				Limit(batchSize).
				Pluck("verification_id", &ids).Error; err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			votes := tx.Where("verification_id IN ?", ids).Delete(&VoteLog{})
			if votes.Error != nil {
				return votes.Error
			}
			report.DeletedVotes += votes.RowsAffected
			res := tx.Where("verification_id IN ?", ids).Delete(&VerificationLog{})
			if res.Error != nil {
				return res.Error
			}
			deleted = res.RowsAffected
			return nil
		})
		if txErr != nil {
			l.logError(opCleanupExpired, reasonDeleteFailed, txErr)
			return newServiceError(opCleanupExpired, reasonDeleteFailed, txErr)
		}
		report.DeletedVerifications += deleted
		if deleted < int64(batchSize) {
			return nil
		}
	}
}

// deleteExpiredAcceptances removes expired acceptance facts. Surviving
// verification logs that referenced a deleted fact keep their audit row with
// the parent link nulled out.
func (l *Lifecycle) deleteExpiredAcceptances(ctx context.Context, now time.Time, batchSize int, report *CleanupReport) error {
	for {
		var deleted int64
		txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var ids []string
			if err := tx.Model(&PlanAcceptance{}).
				Where("expires_at IS NOT NULL AND expires_at <= ?", now).
				Limit(batchSize).
				Pluck("acceptance_id", &ids).Error; err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			unlinked := tx.Model(&VerificationLog{}).
				Where("acceptance_id IN ?", ids).
				Update("acceptance_id", nil)
			if unlinked.Error != nil {
				return unlinked.Error
			}
			report.UnlinkedVerifications += unlinked.RowsAffected
			res := tx.Where("acceptance_id IN ?", ids).Delete(&PlanAcceptance{})
			if res.Error != nil {
				return res.Error
			}
			deleted = res.RowsAffected
			return nil
		})
		if txErr != nil {
			l.logError(opCleanupExpired, reasonDeleteFailed, txErr)
			return newServiceError(opCleanupExpired, reasonDeleteFailed, txErr)
		}
		report.DeletedAcceptances += deleted
		if deleted < int64(batchSize) {
			return nil
		}
	}
}

// TableExpirationStats breaks one table down by expiration posture. The
// expiring buckets are disjoint: within seven days, and between seven and
// thirty days.
type TableExpirationStats struct {
	Total                int64
	WithExpiry           int64
	Expired              int64
	ExpiringWithin7Days  int64
	ExpiringWithin30Days int64
}

// ExpirationStats reports retention posture for operational monitoring.
type ExpirationStats struct {
	Verifications TableExpirationStats
	Acceptances   TableExpirationStats
	GeneratedAt   time.Time
}

// ExpirationStats computes per-table retention statistics.
func (l *Lifecycle) ExpirationStats(ctx context.Context) (ExpirationStats, error) {
	now := l.clock().UTC()
	stats := ExpirationStats{GeneratedAt: now}

	verifications, err := l.tableStats(ctx, &VerificationLog{}, now)
	if err != nil {
		l.logError(opExpirationStats, reasonQueryFailed, err)
		return ExpirationStats{}, newServiceError(opExpirationStats, reasonQueryFailed, err)
	}
	stats.Verifications = verifications

	acceptances, err := l.tableStats(ctx, &PlanAcceptance{}, now)
	if err != nil {
		l.logError(opExpirationStats, reasonQueryFailed, err)
		return ExpirationStats{}, newServiceError(opExpirationStats, reasonQueryFailed, err)
	}
	stats.Acceptances = acceptances

	return stats, nil
}

func (l *Lifecycle) tableStats(ctx context.Context, model any, now time.Time) (TableExpirationStats, error) {
	var stats TableExpirationStats
	counts := []struct {
		target *int64
		where  string
		args   []any
	}{
		{&stats.Total, "", nil},
		{&stats.WithExpiry, "expires_at IS NOT NULL", nil},
		{&stats.Expired, "expires_at IS NOT NULL AND expires_at <= ?", []any{now}},
		{&stats.ExpiringWithin7Days, "expires_at > ? AND expires_at <= ?", []any{now, now.Add(7 * 24 * time.Hour)}},
		{&stats.ExpiringWithin30Days, "expires_at > ? AND expires_at <= ?", []any{now.Add(7 * 24 * time.Hour), now.Add(30 * 24 * time.Hour)}},
	}
	for _, c := range counts {
		query := l.db.WithContext(ctx).Model(model)
		if c.where != "" {
			query = query.Where(c.where, c.args...)
		}
		if err := query.Count(c.target).Error; err != nil {
			return TableExpirationStats{}, err
		}
	}
	return stats, nil
}

// BackfillReport summarizes a backfill preview or application.
type BackfillReport struct {
	Applied              bool
	MissingVerifications int64
	MissingAcceptances   int64
	UpdatedVerifications int64
	UpdatedAcceptances   int64
}

// BackfillExpirations stamps an expiration on pre-TTL legacy rows, derived
// from last_verified_at when present and created_at otherwise. With apply
// false it only reports the candidate counts. The applied form runs in one
// transaction, fully committed or fully rolled back.
func (l *Lifecycle) BackfillExpirations(ctx context.Context, apply bool) (BackfillReport, error) {
	report := BackfillReport{Applied: apply}

	if err := l.db.WithContext(ctx).Model(&VerificationLog{}).
		Where("expires_at IS NULL").
		Count(&report.MissingVerifications).Error; err != nil {
		l.logError(opBackfillExpiry, reasonQueryFailed, err)
		return BackfillReport{}, newServiceError(opBackfillExpiry, reasonQueryFailed, err)
	}
	if err := l.db.WithContext(ctx).Model(&PlanAcceptance{}).
		Where("expires_at IS NULL").
		Count(&report.MissingAcceptances).Error; err != nil {
		l.logError(opBackfillExpiry, reasonQueryFailed, err)
		return BackfillReport{}, newServiceError(opBackfillExpiry, reasonQueryFailed, err)
	}

	if !apply {
		return report, nil
	}

	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var verifications []VerificationLog
		if err := tx.Where("expires_at IS NULL").Find(&verifications).Error; err != nil {
			return err
		}
		for _, verification := range verifications {
			expiry := l.ExpirationDate(verification.CreatedAt.UTC())
			if err := tx.Model(&VerificationLog{}).
				Where("verification_id = ?", verification.VerificationID).
				Update("expires_at", expiry).Error; err != nil {
				return err
			}
			report.UpdatedVerifications++
		}

		var acceptances []PlanAcceptance
		if err := tx.Where("expires_at IS NULL").Find(&acceptances).Error; err != nil {
			return err
		}
		for _, acceptance := range acceptances {
			anchor := acceptance.CreatedAt.UTC()
			if acceptance.LastVerifiedAt != nil {
				anchor = acceptance.LastVerifiedAt.UTC()
			}
			if err := tx.Model(&PlanAcceptance{}).
				Where("acceptance_id = ?", acceptance.AcceptanceID).
				Update("expires_at", l.ExpirationDate(anchor)).Error; err != nil {
				return err
			}
			report.UpdatedAcceptances++
		}
		return nil
	})
	if txErr != nil {
		l.logError(opBackfillExpiry, reasonUpdateFailed, txErr)
		return BackfillReport{}, newServiceError(opBackfillExpiry, reasonUpdateFailed, txErr)
	}

	l.logger.Info("expiration backfill applied",
		zap.Int64("verifications", report.UpdatedVerifications),
		zap.Int64("acceptances", report.UpdatedAcceptances))
	return report, nil
}

func (l *Lifecycle) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("trust lifecycle error", attrs...)
}
