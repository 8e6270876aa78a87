package trust

import (
	"errors"
	"time"
)

const (
	// defaultVerificationTTL comes from provider-network turnover research:
	// unrefreshed evidence is stale after six months.
	defaultVerificationTTL = 180 * 24 * time.Hour
	// defaultSybilWindow is how long a single identity is blocked from
	// re-submitting the same fact.
	defaultSybilWindow = 30 * 24 * time.Hour
	// defaultConsensusMinimum is the independent-submission count at which a
	// fact may claim expert-level trust.
	defaultConsensusMinimum = 3
)

var (
	errNonPositiveTTL       = errors.New("verification ttl must be positive")
	errNonPositiveWindow    = errors.New("sybil window must be positive")
	errNonPositiveConsensus = errors.New("consensus minimum must be positive")
)

// Config carries the process-wide trust thresholds. It is immutable once
// handed to a constructor; tests substitute alternate values here instead of
// mutating globals.
type Config struct {
	VerificationTTL  time.Duration
	SybilWindow      time.Duration
	ConsensusMinimum int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		VerificationTTL:  defaultVerificationTTL,
		SybilWindow:      defaultSybilWindow,
		ConsensusMinimum: defaultConsensusMinimum,
	}
}

func (c Config) validate() error {
	if c.VerificationTTL <= 0 {
		return errNonPositiveTTL
	}
	if c.SybilWindow <= 0 {
		return errNonPositiveWindow
	}
	if c.ConsensusMinimum <= 0 {
		return errNonPositiveConsensus
	}
	return nil
}
