package memory

import "fmt"

type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
)

const (
	ReasonNothingEligible = "no messages eligible for consolidation"
	ReasonBelowThreshold  = "below consolidation threshold"
)

// ConsolidationReport describes one consolidation attempt. Reason is set only
// when Status is StatusSkipped.
type ConsolidationReport struct {
	Status            Status `json:"status"`
	Reason            string `json:"reason,omitempty"`
	OriginalCount     int    `json:"originalCount"`
	ConsolidatedCount int    `json:"consolidatedCount"`
	PreservedCount    int    `json:"preservedCount"`
	RecentCount       int    `json:"recentCount"`
	FinalCount        int    `json:"finalCount"`
	TokenReduction    int    `json:"tokenReduction"`
	// SummaryID identifies the summary message inserted by this pass, if any.
	SummaryID string `json:"summaryId,omitempty"`
}

func skippedReport(reason string, size int) ConsolidationReport {
	return ConsolidationReport{
		Status:        StatusSkipped,
		Reason:        reason,
		OriginalCount: size,
		FinalCount:    size,
	}
}

func (r ConsolidationReport) String() string {
	if r.Status == StatusSkipped {
		return fmt.Sprintf("skipped (%s) size=%d", r.Reason, r.OriginalCount)
	}
	return fmt.Sprintf("ok original=%d consolidated=%d preserved=%d recent=%d final=%d reduction=%d",
		r.OriginalCount, r.ConsolidatedCount, r.PreservedCount, r.RecentCount, r.FinalCount, r.TokenReduction)
}
