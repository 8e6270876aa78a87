package trust

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PlanFactsLab/planfacts/backend/internal/metrics"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingLifecycle  = errors.New("lifecycle manager is required")
	errMissingScorer     = errors.New("scorer is required")
	errMissingDirectory  = errors.New("provider and plan lookups are required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew = "trust.service.new"
	opSubmit     = "trust.submit"
	opVote       = "trust.vote"
	opStats      = "trust.stats"
	opListFacts  = "trust.list_acceptances"
)

// ProviderDirectory is the lookup contract the consensus path needs from the
// provider directory: existence plus the freshness category for scoring.
type ProviderDirectory interface {
	ProviderExists(ctx context.Context, providerID string) (bool, error)
	ProviderSpecialty(ctx context.Context, providerID string) (SpecialtyCategory, error)
}

// PlanDirectory answers plan existence checks.
type PlanDirectory interface {
	PlanExists(ctx context.Context, planID string) (bool, error)
}

// ServiceConfig describes the dependencies of the consensus service.
type ServiceConfig struct {
	Database   *gorm.DB
	Config     Config
	Clock      func() time.Time
	IDProvider IDProvider
	Providers  ProviderDirectory
	Plans      PlanDirectory
	Lifecycle  *Lifecycle
	Scorer     *Scorer
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Service orchestrates verification submissions and votes: it applies the
// sybil guard, mutates the acceptance fact and its audit trail in one
// transaction, and refreshes the stored confidence score and expiration.
type Service struct {
	db          *gorm.DB
	sybilWindow time.Duration
	clock       func() time.Time
	idProvider  IDProvider
	providers   ProviderDirectory
	plans       PlanDirectory
	lifecycle   *Lifecycle
	scorer      *Scorer
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewService validates configuration and constructs the consensus service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Lifecycle == nil {
		return nil, newServiceError(opServiceNew, "missing_lifecycle", errMissingLifecycle)
	}
	if cfg.Scorer == nil {
		return nil, newServiceError(opServiceNew, "missing_scorer", errMissingScorer)
	}
	if cfg.Providers == nil || cfg.Plans == nil {
		return nil, newServiceError(opServiceNew, "missing_directory", errMissingDirectory)
	}
	if err := cfg.Config.validate(); err != nil {
		return nil, newServiceError(opServiceNew, "invalid_config", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:          cfg.Database,
		sybilWindow: cfg.Config.SybilWindow,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		providers:   cfg.Providers,
		plans:       cfg.Plans,
		lifecycle:   cfg.Lifecycle,
		scorer:      cfg.Scorer,
		logger:      logger,
		metrics:     cfg.Metrics,
	}, nil
}

// SubmitRequest is one end-user claim about a provider/plan pair.
type SubmitRequest struct {
	ProviderID  string
	PlanID      string
	LocationID  string
	Accepts     bool
	SourceIP    string
	UserAgent   string
	SubmittedBy string
}

// SubmissionResult returns the sanitized verification plus the acceptance
// fact as stored after rescoring.
type SubmissionResult struct {
	Verification VerificationLog
	Acceptance   PlanAcceptance
}

// Submit records a verification submission. Duplicate submissions from the
// same identity for the same fact inside the sybil window are rejected; a
// different identity is always allowed. The acceptance upsert, audit insert,
// rescore and TTL reset happen in a single transaction.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmissionResult, error) {
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.PlanID = strings.TrimSpace(req.PlanID)
	req.LocationID = strings.TrimSpace(req.LocationID)
	req.SourceIP = strings.TrimSpace(req.SourceIP)
	req.SubmittedBy = strings.TrimSpace(req.SubmittedBy)

	if req.ProviderID == "" || req.PlanID == "" {
		s.countSubmission(false)
		return SubmissionResult{}, newServiceError(opSubmit, "missing_identifiers",
			fmt.Errorf("%w: provider and plan identifiers are required", ErrValidation))
	}
	if req.SourceIP == "" {
		s.countSubmission(false)
		return SubmissionResult{}, newServiceError(opSubmit, "missing_source_ip",
			fmt.Errorf("%w: source ip is required", ErrValidation))
	}

	if err := s.requireProvider(ctx, req.ProviderID); err != nil {
		s.countSubmission(false)
		return SubmissionResult{}, err
	}
	if err := s.requirePlan(ctx, req.PlanID); err != nil {
		s.countSubmission(false)
		return SubmissionResult{}, err
	}
	specialty, err := s.providers.ProviderSpecialty(ctx, req.ProviderID)
	if err != nil {
		s.logError(opSubmit, "specialty_lookup_failed", err, zap.String("provider_id", req.ProviderID))
		s.countSubmission(false)
		return SubmissionResult{}, newServiceError(opSubmit, "specialty_lookup_failed", err)
	}

	now := s.clock().UTC()
	expiry := s.lifecycle.ExpirationDate(now)
	status := StatusNotAccepted
	if req.Accepts {
		status = StatusAccepted
	}

	var result SubmissionResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.guardSubmission(tx, req, now); err != nil {
			return err
		}

		acceptance, previous, err := s.upsertAcceptance(tx, req, specialty, status, now, expiry)
		if err != nil {
			return err
		}

		verificationID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opSubmit, "id_generation_failed", err)
		}
		verification := VerificationLog{
			VerificationID: verificationID,
			AcceptanceID:   &acceptance.AcceptanceID,
			ProviderID:     req.ProviderID,
			PlanID:         req.PlanID,
			LocationID:     req.LocationID,
			SourceIP:       req.SourceIP,
			UserAgent:      req.UserAgent,
			SubmittedBy:    req.SubmittedBy,
			PreviousStatus: previous,
			NewStatus:      status,
			ExpiresAt:      &expiry,
		}
		if err := tx.Create(&verification).Error; err != nil {
			return newServiceError(opSubmit, "verification_insert_failed", err)
		}

		if err := s.rescoreAcceptance(tx, acceptance, now); err != nil {
			return err
		}

		result = SubmissionResult{
			Verification: verification.Sanitized(),
			Acceptance:   *acceptance,
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrDuplicate) {
			s.logError(opSubmit, "transaction_failed", txErr,
				zap.String("provider_id", req.ProviderID),
				zap.String("plan_id", req.PlanID))
		}
		s.countSubmission(false)
		return SubmissionResult{}, txErr
	}

	s.countSubmission(true)
	return result, nil
}

// guardSubmission rejects a repeat submission from the same source IP or the
// same account for the same fact inside the sybil window. Only unexpired
// evidence counts.
func (s *Service) guardSubmission(tx *gorm.DB, req SubmitRequest, now time.Time) error {
	query := tx.Model(&VerificationLog{}).
		Scopes(NotExpired(now)).
		Where("provider_id = ? AND plan_id = ?", req.ProviderID, req.PlanID).
		Where("created_at > ?", now.Add(-s.sybilWindow))
	if req.SubmittedBy != "" {
		query = query.Where("source_ip = ? OR submitted_by = ?", req.SourceIP, req.SubmittedBy)
	} else {
		query = query.Where("source_ip = ?", req.SourceIP)
	}

	var existing int64
	if err := query.Count(&existing).Error; err != nil {
		return newServiceError(opSubmit, "guard_query_failed", err)
	}
	if existing > 0 {
		return newServiceError(opSubmit, "already_submitted",
			fmt.Errorf("%w: already submitted for this provider and plan", ErrDuplicate))
	}
	return nil
}

// upsertAcceptance creates the fact on first submission, otherwise bumps the
// verification count atomically at the storage boundary and resets the TTL
// clock. Returns the refreshed row and the prior status for the audit
// snapshot.
func (s *Service) upsertAcceptance(tx *gorm.DB, req SubmitRequest, specialty SpecialtyCategory, status AcceptanceStatus, now, expiry time.Time) (*PlanAcceptance, AcceptanceStatus, error) {
	var acceptance PlanAcceptance
	err := tx.Where("provider_id = ? AND plan_id = ? AND location_id = ?",
		req.ProviderID, req.PlanID, req.LocationID).
		Take(&acceptance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		acceptanceID, idErr := s.idProvider.NewID()
		if idErr != nil {
			return nil, "", newServiceError(opSubmit, "id_generation_failed", idErr)
		}
		acceptance = PlanAcceptance{
			AcceptanceID:      acceptanceID,
			ProviderID:        req.ProviderID,
			PlanID:            req.PlanID,
			LocationID:        req.LocationID,
			Status:            status,
			Specialty:         specialty,
			VerificationCount: 1,
			DataSource:        SourceCrowdsource,
			LastVerifiedAt:    &now,
			ExpiresAt:         &expiry,
		}
		if createErr := tx.Create(&acceptance).Error; createErr != nil {
			return nil, "", newServiceError(opSubmit, "acceptance_insert_failed", createErr)
		}
		return &acceptance, "", nil
	}
	if err != nil {
		return nil, "", newServiceError(opSubmit, "acceptance_select_failed", err)
	}

	previous := acceptance.Status
	updates := map[string]any{
		"verification_count": gorm.Expr("verification_count + 1"),
		"last_verified_at":   now,
		"status":             status,
		"data_source":        SourceCrowdsource,
		"expires_at":         expiry,
	}
	if err := tx.Model(&PlanAcceptance{}).
		Where("acceptance_id = ?", acceptance.AcceptanceID).
		Updates(updates).Error; err != nil {
		return nil, "", newServiceError(opSubmit, "acceptance_update_failed", err)
	}
	if err := tx.Where("acceptance_id = ?", acceptance.AcceptanceID).Take(&acceptance).Error; err != nil {
		return nil, "", newServiceError(opSubmit, "acceptance_reload_failed", err)
	}
	return &acceptance, previous, nil
}

// Vote records one identity's up or down vote on a verification. A repeated
// identical vote is a duplicate; a changed direction moves the tallies. The
// composite primary key on vote_logs is the authoritative duplicate signal
// under concurrency; the pre-check only improves the common-case error.
func (s *Service) Vote(ctx context.Context, verificationID string, direction VoteDirection, sourceIP string) error {
	sourceIP = strings.TrimSpace(sourceIP)
	if sourceIP == "" {
		s.countVote(false)
		return newServiceError(opVote, "missing_source_ip",
			fmt.Errorf("%w: source ip is required", ErrValidation))
	}
	if direction != VoteUp && direction != VoteDown {
		s.countVote(false)
		return newServiceError(opVote, "invalid_direction",
			fmt.Errorf("%w: direction %q", ErrValidation, direction))
	}

	now := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var verification VerificationLog
		err := tx.Where("verification_id = ?", verificationID).Take(&verification).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opVote, "verification_not_found",
				fmt.Errorf("%w: verification %s", ErrNotFound, verificationID))
		}
		if err != nil {
			return newServiceError(opVote, "verification_select_failed", err)
		}

		if err := s.recordVote(tx, &verification, direction, sourceIP); err != nil {
			return err
		}

		if verification.AcceptanceID == nil {
			return nil
		}
		var acceptance PlanAcceptance
		err = tx.Where("acceptance_id = ?", *verification.AcceptanceID).Take(&acceptance).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Parent fact already purged; the audit row keeps its tallies.
			return nil
		}
		if err != nil {
			return newServiceError(opVote, "acceptance_select_failed", err)
		}
		return s.rescoreAcceptance(tx, &acceptance, now)
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrDuplicate) && !errors.Is(txErr, ErrNotFound) {
			s.logError(opVote, "transaction_failed", txErr, zap.String("verification_id", verificationID))
		}
		s.countVote(false)
		return txErr
	}

	s.countVote(true)
	return nil
}

func (s *Service) recordVote(tx *gorm.DB, verification *VerificationLog, direction VoteDirection, sourceIP string) error {
	var existing VoteLog
	err := tx.Where("verification_id = ? AND source_ip = ?", verification.VerificationID, sourceIP).
		Take(&existing).Error
	switch {
	case err == nil:
		if existing.Direction == direction {
			return newServiceError(opVote, "already_voted",
				fmt.Errorf("%w: already voted", ErrDuplicate))
		}
		// Direction change: move the vote, shifting both tallies atomically.
		if err := tx.Model(&VoteLog{}).
			Where("verification_id = ? AND source_ip = ?", verification.VerificationID, sourceIP).
			Update("direction", direction).Error; err != nil {
			return newServiceError(opVote, "vote_update_failed", err)
		}
		return s.shiftTallies(tx, verification.VerificationID, direction)
	case errors.Is(err, gorm.ErrRecordNotFound):
		vote := VoteLog{
			VerificationID: verification.VerificationID,
			SourceIP:       sourceIP,
			Direction:      direction,
		}
		if createErr := tx.Create(&vote).Error; createErr != nil {
			if errors.Is(createErr, gorm.ErrDuplicatedKey) {
				return newServiceError(opVote, "already_voted",
					fmt.Errorf("%w: already voted", ErrDuplicate))
			}
			return newServiceError(opVote, "vote_insert_failed", createErr)
		}
		return s.incrementTally(tx, verification.VerificationID, direction)
	default:
		return newServiceError(opVote, "vote_select_failed", err)
	}
}

func (s *Service) incrementTally(tx *gorm.DB, verificationID string, direction VoteDirection) error {
	column := "upvotes"
	if direction == VoteDown {
		column = "downvotes"
	}
	if err := tx.Model(&VerificationLog{}).
		Where("verification_id = ?", verificationID).
		Update(column, gorm.Expr(column+" + 1")).Error; err != nil {
		return newServiceError(opVote, "tally_update_failed", err)
	}
	return nil
}

// shiftTallies moves a changed vote between tallies in one atomic update.
func (s *Service) shiftTallies(tx *gorm.DB, verificationID string, to VoteDirection) error {
	updates := map[string]any{
		"upvotes":   gorm.Expr("upvotes - 1"),
		"downvotes": gorm.Expr("downvotes + 1"),
	}
	if to == VoteUp {
		updates = map[string]any{
			"upvotes":   gorm.Expr("upvotes + 1"),
			"downvotes": gorm.Expr("downvotes - 1"),
		}
	}
	if err := tx.Model(&VerificationLog{}).
		Where("verification_id = ?", verificationID).
		Updates(updates).Error; err != nil {
		return newServiceError(opVote, "tally_update_failed", err)
	}
	return nil
}

// rescoreAcceptance recomputes the stored confidence snapshot from the
// acceptance row plus the vote tallies of its unexpired evidence.
func (s *Service) rescoreAcceptance(tx *gorm.DB, acceptance *PlanAcceptance, now time.Time) error {
	var tallies struct {
		Upvotes   int64
		Downvotes int64
	}
	if err := tx.Model(&VerificationLog{}).
		Select("COALESCE(SUM(upvotes), 0) AS upvotes, COALESCE(SUM(downvotes), 0) AS downvotes").
		Where("acceptance_id = ?", acceptance.AcceptanceID).
		Scopes(NotExpired(now)).
		Scan(&tallies).Error; err != nil {
		return newServiceError(opSubmit, "tally_query_failed", err)
	}

	scored, err := s.scorer.Score(ScoreInput{
		DataSource:        acceptance.DataSource,
		Specialty:         acceptance.Specialty,
		LastVerifiedAt:    acceptance.LastVerifiedAt,
		VerificationCount: acceptance.VerificationCount,
		Upvotes:           tallies.Upvotes,
		Downvotes:         tallies.Downvotes,
		Now:               now,
	})
	if err != nil {
		return err
	}

	updates := map[string]any{
		"confidence_score":   scored.Score,
		"confidence_level":   scored.Level,
		"data_source_score":  scored.Factors.DataSourceScore,
		"recency_score":      scored.Factors.RecencyScore,
		"verification_score": scored.Factors.VerificationScore,
		"agreement_score":    scored.Factors.AgreementScore,
	}
	if err := tx.Model(&PlanAcceptance{}).
		Where("acceptance_id = ?", acceptance.AcceptanceID).
		Updates(updates).Error; err != nil {
		return newServiceError(opSubmit, "score_update_failed", err)
	}

	acceptance.ConfidenceScore = scored.Score
	acceptance.ConfidenceLevel = scored.Level
	acceptance.DataSourceScore = scored.Factors.DataSourceScore
	acceptance.RecencyScore = scored.Factors.RecencyScore
	acceptance.VerificationScore = scored.Factors.VerificationScore
	acceptance.AgreementScore = scored.Factors.AgreementScore
	return nil
}

// StatsReport summarizes the live (unexpired) acceptance corpus.
type StatsReport struct {
	Total       int64
	Approved    int64
	Pending     int64
	ByType      map[string]int64
	RecentCount int64
}

// Stats reports acceptance counts by outcome and origin plus recent
// verification volume, all filtered to unexpired evidence.
func (s *Service) Stats(ctx context.Context) (StatsReport, error) {
	now := s.clock().UTC()
	report := StatsReport{ByType: make(map[string]int64)}

	base := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&PlanAcceptance{}).Scopes(NotExpired(now))
	}
	if err := base().Count(&report.Total).Error; err != nil {
		return StatsReport{}, newServiceError(opStats, "query_failed", err)
	}
	if err := base().Where("status = ?", StatusAccepted).Count(&report.Approved).Error; err != nil {
		return StatsReport{}, newServiceError(opStats, "query_failed", err)
	}
	if err := base().Where("status = ?", StatusPending).Count(&report.Pending).Error; err != nil {
		return StatsReport{}, newServiceError(opStats, "query_failed", err)
	}

	var byType []struct {
		DataSource string
		Count      int64
	}
	if err := base().
		Select("data_source, COUNT(*) AS count").
		Group("data_source").
		Scan(&byType).Error; err != nil {
		return StatsReport{}, newServiceError(opStats, "query_failed", err)
	}
	for _, row := range byType {
		report.ByType[row.DataSource] = row.Count
	}

	if err := s.db.WithContext(ctx).Model(&VerificationLog{}).
		Scopes(NotExpired(now)).
		Where("created_at > ?", now.Add(-30*24*time.Hour)).
		Count(&report.RecentCount).Error; err != nil {
		return StatsReport{}, newServiceError(opStats, "query_failed", err)
	}

	return report, nil
}

// ListAcceptances returns the provider's live acceptance facts, most
// confident first.
func (s *Service) ListAcceptances(ctx context.Context, providerID string) ([]PlanAcceptance, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return nil, newServiceError(opListFacts, "missing_provider_id",
			fmt.Errorf("%w: provider id is required", ErrValidation))
	}

	now := s.clock().UTC()
	var acceptances []PlanAcceptance
	if err := s.db.WithContext(ctx).
		Scopes(NotExpired(now)).
		Where("provider_id = ?", providerID).
		Order("confidence_score DESC").
		Find(&acceptances).Error; err != nil {
		s.logError(opListFacts, "query_failed", err, zap.String("provider_id", providerID))
		return nil, newServiceError(opListFacts, "query_failed", err)
	}
	return acceptances, nil
}

func (s *Service) requireProvider(ctx context.Context, providerID string) error {
	exists, err := s.providers.ProviderExists(ctx, providerID)
	if err != nil {
		s.logError(opSubmit, "provider_lookup_failed", err, zap.String("provider_id", providerID))
		return newServiceError(opSubmit, "provider_lookup_failed", err)
	}
	if !exists {
		return newServiceError(opSubmit, "provider_not_found",
			fmt.Errorf("%w: provider %s", ErrNotFound, providerID))
	}
	return nil
}

func (s *Service) requirePlan(ctx context.Context, planID string) error {
	exists, err := s.plans.PlanExists(ctx, planID)
	if err != nil {
		s.logError(opSubmit, "plan_lookup_failed", err, zap.String("plan_id", planID))
		return newServiceError(opSubmit, "plan_lookup_failed", err)
	}
	if !exists {
		return newServiceError(opSubmit, "plan_not_found",
			fmt.Errorf("%w: plan %s", ErrNotFound, planID))
	}
	return nil
}

func (s *Service) countSubmission(accepted bool) {
	if s.metrics != nil {
		s.metrics.CountSubmission(accepted)
	}
}

func (s *Service) countVote(accepted bool) {
	if s.metrics != nil {
		s.metrics.CountVote(accepted)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("trust service error", attrs...)
}
