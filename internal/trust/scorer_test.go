package trust

import (
	"errors"
	"testing"
	"time"
)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	scorer, err := NewScorer(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to construct scorer: %v", err)
	}
	return scorer
}

func timePtr(value time.Time) *time.Time {
	return &value
}

func TestScoreMatureCarrierFactScoresVeryHigh(t *testing.T) {
	scorer := newTestScorer(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	result, err := scorer.Score(ScoreInput{
		DataSource:        SourceCarrierFeed,
		Specialty:         SpecialtyOfficeBased,
		LastVerifiedAt:    timePtr(now),
		VerificationCount: 3,
		Now:               now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := ScoreFactors{
		DataSourceScore:   25,
		RecencyScore:      30,
		VerificationScore: 25,
		AgreementScore:    10,
	}
	if result.Factors != expected {
		t.Fatalf("unexpected factors: got %+v, want %+v", result.Factors, expected)
	}
	if result.Score != 90 {
		t.Fatalf("unexpected score: got %d, want 90", result.Score)
	}
	if result.Level != LevelVeryHigh {
		t.Fatalf("unexpected level: got %s, want %s", result.Level, LevelVeryHigh)
	}
}

func TestScoreImmatureConsensusIsCappedAtMedium(t *testing.T) {
	scorer := newTestScorer(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	result, err := scorer.Score(ScoreInput{
		DataSource:        SourceCarrierFeed,
		Specialty:         SpecialtyOfficeBased,
		LastVerifiedAt:    timePtr(now),
		VerificationCount: 1,
		Upvotes:           5,
		Now:               now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 25 + 30 + 8 + 20 = 83 would read very_high, but one submission cannot
	// claim more than medium.
	if result.Score != 83 {
		t.Fatalf("unexpected score: got %d, want 83", result.Score)
	}
	if result.Level != LevelMedium {
		t.Fatalf("unexpected level: got %s, want %s", result.Level, LevelMedium)
	}
}

func TestScoreZeroVerificationsAreNotCapped(t *testing.T) {
	scorer := newTestScorer(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	result, err := scorer.Score(ScoreInput{
		DataSource:     SourceCarrierFeed,
		Specialty:      SpecialtyOfficeBased,
		LastVerifiedAt: timePtr(now),
		Now:            now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 25 + 30 + 0 + 10 = 65. The cap only applies to facts with at least
	// one submission.
	if result.Score != 65 {
		t.Fatalf("unexpected score: got %d, want 65", result.Score)
	}
	if result.Level != LevelHigh {
		t.Fatalf("unexpected level: got %s, want %s", result.Level, LevelHigh)
	}
}

func TestRecencyDecaysLinearlyToZero(t *testing.T) {
	scorer := newTestScorer(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	threshold := 60 * 24 * time.Hour

	cases := []struct {
		name     string
		elapsed  time.Duration
		expected int
	}{
		{name: "fresh", elapsed: 0, expected: 30},
		{name: "half window", elapsed: threshold, expected: 15},
		{name: "full window", elapsed: 2 * threshold, expected: 0},
		{name: "beyond window", elapsed: 3 * threshold, expected: 0},
	}

	for _, testCase := range cases {
		verifiedAt := now.Add(-testCase.elapsed)
		result, err := scorer.Score(ScoreInput{
			DataSource:     SourceRegistryImport,
			Specialty:      SpecialtyOfficeBased,
			LastVerifiedAt: &verifiedAt,
			Now:            now,
		})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", testCase.name, err)
		}
		if result.Factors.RecencyScore != testCase.expected {
			t.Fatalf("%s: unexpected recency score: got %d, want %d",
				testCase.name, result.Factors.RecencyScore, testCase.expected)
		}
	}
}

func TestRecencyUsesSpecialtyThreshold(t *testing.T) {
	scorer := newTestScorer(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	verifiedAt := now.Add(-45 * 24 * time.Hour)

	behavioral, err := scorer.Score(ScoreInput{
		DataSource:     SourceRegistryImport,
		Specialty:      SpecialtyBehavioralHealth,
		LastVerifiedAt: &verifiedAt,
		Now:            now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	facility, err := scorer.Score(ScoreInput{
		DataSource:     SourceRegistryImport,
		Specialty:      SpecialtyFacility,
		LastVerifiedAt: &verifiedAt,
		Now:            now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if behavioral.Factors.RecencyScore >= facility.Factors.RecencyScore {
		t.Fatalf("expected behavioral health to decay faster: got %d vs %d",
			behavioral.Factors.RecencyScore, facility.Factors.RecencyScore)
	}
}

func TestRecencyZeroWithoutVerification(t *testing.T) {
	scorer := newTestScorer(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	result, err := scorer.Score(ScoreInput{
		DataSource: SourceRegistryImport,
		Specialty:  SpecialtyOfficeBased,
		Now:        now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Factors.RecencyScore != 0 {
		t.Fatalf("expected zero recency without a verification, got %d", result.Factors.RecencyScore)
	}
}

func TestVerificationScorePlateausAtConsensusMinimum(t *testing.T) {
	scorer := newTestScorer(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		count    int64
		expected int
	}{
		{count: 0, expected: 0},
		{count: 1, expected: 8},
		{count: 2, expected: 17},
		{count: 3, expected: 25},
		{count: 50, expected: 25},
	}

	for _, testCase := range cases {
		result, err := scorer.Score(ScoreInput{
			DataSource:        SourceRegistryImport,
			Specialty:         SpecialtyOfficeBased,
			VerificationCount: testCase.count,
			Now:               now,
		})
		if err != nil {
			t.Fatalf("count %d: unexpected error: %v", testCase.count, err)
		}
		if result.Factors.VerificationScore != testCase.expected {
			t.Fatalf("count %d: unexpected verification score: got %d, want %d",
				testCase.count, result.Factors.VerificationScore, testCase.expected)
		}
	}
}

func TestAgreementScoreFollowsUpvoteRatio(t *testing.T) {
	scorer := newTestScorer(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		upvotes   int64
		downvotes int64
		expected  int
	}{
		{name: "no votes is neutral", upvotes: 0, downvotes: 0, expected: 10},
		{name: "unanimous approval", upvotes: 4, downvotes: 0, expected: 20},
		{name: "unanimous rejection", upvotes: 0, downvotes: 4, expected: 0},
		{name: "split", upvotes: 2, downvotes: 2, expected: 10},
		{name: "three quarters", upvotes: 3, downvotes: 1, expected: 15},
	}

	for _, testCase := range cases {
		result, err := scorer.Score(ScoreInput{
			DataSource: SourceRegistryImport,
			Specialty:  SpecialtyOfficeBased,
			Upvotes:    testCase.upvotes,
			Downvotes:  testCase.downvotes,
			Now:        now,
		})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", testCase.name, err)
		}
		if result.Factors.AgreementScore != testCase.expected {
			t.Fatalf("%s: unexpected agreement score: got %d, want %d",
				testCase.name, result.Factors.AgreementScore, testCase.expected)
		}
	}
}

func TestScoreRejectsMalformedInput(t *testing.T) {
	scorer := newTestScorer(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		input ScoreInput
	}{
		{
			name: "negative verification count",
			input: ScoreInput{
				DataSource:        SourceRegistryImport,
				Specialty:         SpecialtyOfficeBased,
				VerificationCount: -1,
				Now:               now,
			},
		},
		{
			name: "negative downvotes",
			input: ScoreInput{
				DataSource: SourceRegistryImport,
				Specialty:  SpecialtyOfficeBased,
				Downvotes:  -2,
				Now:        now,
			},
		},
		{
			name: "unknown data source",
			input: ScoreInput{
				DataSource: DataSource("fax-blast"),
				Specialty:  SpecialtyOfficeBased,
				Now:        now,
			},
		},
		{
			name: "unknown specialty",
			input: ScoreInput{
				DataSource: SourceRegistryImport,
				Specialty:  SpecialtyCategory("astrology"),
				Now:        now,
			},
		},
	}

	for _, testCase := range cases {
		_, err := scorer.Score(testCase.input)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", testCase.name, err)
		}
	}
}

func TestNewScorerRejectsInvalidConfig(t *testing.T) {
	_, err := NewScorer(Config{VerificationTTL: time.Hour, SybilWindow: time.Hour})
	if err == nil {
		t.Fatalf("expected error for zero consensus minimum")
	}
}
