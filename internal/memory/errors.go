package memory

import "errors"

var (
	// ErrInvalidConfig is returned when a consolidation config is rejected at construction.
	ErrInvalidConfig = errors.New("memory: invalid consolidation config")
	// ErrInvalidMessage is returned when a replacement sequence contains a malformed message.
	ErrInvalidMessage = errors.New("memory: invalid message")
	// ErrReplaceFailed wraps any failure to swap the buffer; the buffer is unchanged.
	ErrReplaceFailed = errors.New("memory: replace failed")
	// ErrSummarizeFailed wraps summarizer failures; the buffer is unchanged.
	ErrSummarizeFailed = errors.New("memory: summarize failed")
)
