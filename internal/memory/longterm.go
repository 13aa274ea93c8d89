package memory

import (
	"context"
	"time"
)

// Recollection is one hit from a long-term store search.
type Recollection struct {
	SessionID string
	SummaryID string
	Role      Role
	Content   string
	Timestamp time.Time
	Score     float64
}

// LongTermStore receives folded messages for later recall. Implementations
// live outside this package.
type LongTermStore interface {
	// Index stores msgs under the given session and summary identifiers.
	Index(ctx context.Context, sessionID, summaryID string, msgs []Message) error
	// Search returns at most limit previously indexed items most similar to query.
	Search(ctx context.Context, query string, limit int) ([]Recollection, error)
}
