package trust

import (
	"fmt"
	"math"
	"time"
)

const (
	maxDataSourceScore   = 25
	maxRecencyScore      = 30
	maxVerificationScore = 25
	maxAgreementScore    = 20
	neutralAgreement     = 10
)

// Weight and threshold tables are enum-keyed and validated exhaustively in
// NewScorer, so an unmapped tag fails at construction rather than at scoring.
var defaultSourceWeights = map[DataSource]int{
	SourceCarrierFeed:    25,
	SourceRegistryImport: 20,
	SourceEnrichment:     15,
	SourceCrowdsource:    10,
}

var defaultFreshnessThresholds = map[SpecialtyCategory]time.Duration{
	SpecialtyBehavioralHealth: 30 * 24 * time.Hour,
	SpecialtyOfficeBased:      60 * 24 * time.Hour,
	SpecialtyFacility:         90 * 24 * time.Hour,
}

// ScoreInput is everything the scorer reads. Now is explicit so scoring stays
// deterministic and testable.
type ScoreInput struct {
	DataSource        DataSource
	Specialty         SpecialtyCategory
	LastVerifiedAt    *time.Time
	VerificationCount int64
	Upvotes           int64
	Downvotes         int64
	Now               time.Time
}

// ScoreFactors snapshots the four sub-scores behind a total.
type ScoreFactors struct {
	DataSourceScore   int
	RecencyScore      int
	VerificationScore int
	AgreementScore    int
}

// ScoreResult is the numeric score, its categorical level, and the factors.
type ScoreResult struct {
	Score   int
	Level   ConfidenceLevel
	Factors ScoreFactors
}

// Scorer computes confidence scores. It is a pure function of its input plus
// the immutable tables captured at construction; it performs no I/O.
type Scorer struct {
	consensusMinimum int64
	sourceWeights    map[DataSource]int
	freshness        map[SpecialtyCategory]time.Duration
}

// NewScorer validates the lookup tables against the closed enum sets and
// returns a ready scorer.
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.validate(); err != nil {
		return nil, newServiceError(opScorerNew, "invalid_config", err)
	}
	for _, source := range allDataSources {
		weight, ok := defaultSourceWeights[source]
		if !ok {
			return nil, newServiceError(opScorerNew, "unmapped_data_source",
				fmt.Errorf("data source %q has no authority weight", source))
		}
		if weight < 0 || weight > maxDataSourceScore {
			return nil, newServiceError(opScorerNew, "weight_out_of_range",
				fmt.Errorf("data source %q weight %d outside [0,%d]", source, weight, maxDataSourceScore))
		}
	}
	for _, specialty := range allSpecialtyCategories {
		threshold, ok := defaultFreshnessThresholds[specialty]
		if !ok {
			return nil, newServiceError(opScorerNew, "unmapped_specialty",
				fmt.Errorf("specialty %q has no freshness threshold", specialty))
		}
		if threshold <= 0 {
			return nil, newServiceError(opScorerNew, "threshold_out_of_range",
				fmt.Errorf("specialty %q threshold must be positive", specialty))
		}
	}
	return &Scorer{
		consensusMinimum: int64(cfg.ConsensusMinimum),
		sourceWeights:    defaultSourceWeights,
		freshness:        defaultFreshnessThresholds,
	}, nil
}

const (
	opScorerNew   = "trust.scorer.new"
	opScorerScore = "trust.scorer.score"
)

// Score combines source authority, recency decay, verification maturity and
// community agreement into a score in [0,100] with a categorical level.
// Malformed input is a precondition violation returned to the caller, never
// silently clamped.
func (s *Scorer) Score(input ScoreInput) (ScoreResult, error) {
	if input.VerificationCount < 0 {
		return ScoreResult{}, newServiceError(opScorerScore, "negative_verification_count",
			fmt.Errorf("%w: verification count %d", ErrValidation, input.VerificationCount))
	}
	if input.Upvotes < 0 || input.Downvotes < 0 {
		return ScoreResult{}, newServiceError(opScorerScore, "negative_vote_tally",
			fmt.Errorf("%w: tallies %d/%d", ErrValidation, input.Upvotes, input.Downvotes))
	}
	sourceScore, ok := s.sourceWeights[input.DataSource]
	if !ok {
		return ScoreResult{}, newServiceError(opScorerScore, "unknown_data_source",
			fmt.Errorf("%w: data source %q", ErrValidation, input.DataSource))
	}
	threshold, ok := s.freshness[input.Specialty]
	if !ok {
		return ScoreResult{}, newServiceError(opScorerScore, "unknown_specialty",
			fmt.Errorf("%w: specialty %q", ErrValidation, input.Specialty))
	}

	factors := ScoreFactors{
		DataSourceScore:   sourceScore,
		RecencyScore:      recencyScore(input.LastVerifiedAt, input.Now, threshold),
		VerificationScore: s.verificationScore(input.VerificationCount),
		AgreementScore:    agreementScore(input.Upvotes, input.Downvotes),
	}

	total := factors.DataSourceScore + factors.RecencyScore + factors.VerificationScore + factors.AgreementScore
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}

	level := levelForScore(total)
	// An immature consensus cannot claim expert-level trust, whatever the
	// arithmetic says.
	if input.VerificationCount > 0 && input.VerificationCount < s.consensusMinimum && levelRank(level) > levelRank(LevelMedium) {
		level = LevelMedium
	}

	return ScoreResult{Score: total, Level: level, Factors: factors}, nil
}

// recencyScore is full at zero elapsed time and decays linearly to zero at
// twice the specialty freshness threshold. Unverified facts score zero.
func recencyScore(lastVerifiedAt *time.Time, now time.Time, threshold time.Duration) int {
	if lastVerifiedAt == nil {
		return 0
	}
	elapsed := now.Sub(*lastVerifiedAt)
	if elapsed <= 0 {
		return maxRecencyScore
	}
	window := 2 * threshold
	if elapsed >= window {
		return 0
	}
	remaining := 1 - float64(elapsed)/float64(window)
	return int(math.Round(maxRecencyScore * remaining))
}

// verificationScore grows with submission count and plateaus once the
// consensus minimum is reached; further submissions do not inflate it.
func (s *Scorer) verificationScore(count int64) int {
	if count <= 0 {
		return 0
	}
	if count >= s.consensusMinimum {
		return maxVerificationScore
	}
	return int(math.Round(maxVerificationScore * float64(count) / float64(s.consensusMinimum)))
}

// agreementScore maps the upvote ratio onto [0,20]; no votes yields the
// neutral midpoint and a downvote majority pulls toward zero.
func agreementScore(upvotes, downvotes int64) int {
	total := upvotes + downvotes
	if total == 0 {
		return neutralAgreement
	}
	ratio := float64(upvotes) / float64(total)
	return int(math.Round(maxAgreementScore * ratio))
}

func levelForScore(score int) ConfidenceLevel {
	switch {
	case score >= 80:
		return LevelVeryHigh
	case score >= 60:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	case score >= 20:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

func levelRank(level ConfidenceLevel) int {
	switch level {
	case LevelVeryLow:
		return 0
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelVeryHigh:
		return 4
	default:
		return -1
	}
}
