package memory

import (
	"errors"
	"fmt"
)

const (
	DefaultMaxMessages   = 10
	DefaultRecentKeep    = 10
	DefaultCheckInterval = 10
	DefaultMinImportance = 0.7
	DefaultMaxPreserved  = 10
)

// ConsolidationConfig controls when the engine compacts and what it keeps.
type ConsolidationConfig struct {
	// MaxMessages is the buffer size at which consolidation is due.
	MaxMessages int
	// RecentKeep is the size of the protected tail.
	RecentKeep int
	// CheckInterval is how many appends pass between automatic checks.
	CheckInterval int
	// MinImportance is the score at or above which old messages stay verbatim.
	MinImportance float64
	// AutoConsolidate enables checks on append.
	AutoConsolidate bool
	// MaxPreserved caps how many old messages are kept verbatim per pass; 0 means no cap.
	// With a cap, a productive pass leaves at most RecentKeep+MaxPreserved+1 messages.
	MaxPreserved int
}

func DefaultConsolidationConfig() ConsolidationConfig {
	return ConsolidationConfig{
		MaxMessages:     DefaultMaxMessages,
		RecentKeep:      DefaultRecentKeep,
		CheckInterval:   DefaultCheckInterval,
		MinImportance:   DefaultMinImportance,
		AutoConsolidate: true,
		MaxPreserved:    DefaultMaxPreserved,
	}
}

// Validate reports every out-of-range field. RecentKeep greater than
// MaxMessages is allowed; it only delays the first productive pass.
func (c ConsolidationConfig) Validate() error {
	var errs []error
	if c.MaxMessages <= 0 {
		errs = append(errs, fmt.Errorf("maxMessages must be greater than 0, got %d", c.MaxMessages))
	}
	if c.RecentKeep < 0 {
		errs = append(errs, fmt.Errorf("recentKeep cannot be negative, got %d", c.RecentKeep))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("checkInterval must be greater than 0, got %d", c.CheckInterval))
	}
	if !isFinite(c.MinImportance) || c.MinImportance < 0 || c.MinImportance > 1 {
		errs = append(errs, fmt.Errorf("minImportance must be in [0,1], got %v", c.MinImportance))
	}
	if c.MaxPreserved < 0 {
		errs = append(errs, fmt.Errorf("maxPreserved cannot be negative, got %d", c.MaxPreserved))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
