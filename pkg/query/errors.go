package query

import "errors"

var (
	ErrInvalidParam = errors.New("invalid query parameter")
	// ErrRetrievalDegraded wraps keyword extraction, embedding and store
	// failures that leave the query without usable context.
	ErrRetrievalDegraded = errors.New("retrieval degraded")
	// ErrGenerationFailed wraps failures of the answer generator.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrBothBranchesFailed is returned when every started retrieval branch
	// failed. It is always joined with ErrRetrievalDegraded.
	ErrBothBranchesFailed = errors.New("all retrieval branches failed")
)
