// File: internal/fetcher/outcome.go
package fetcher

import (
	"fmt"
	"time"
)

// Kind classifies the terminal state of one fetch attempt.
type Kind int

const (
	// KindSuccess is a terminal success, including hidden and empty
	// inventories (both value the identifier at zero).
	KindSuccess Kind = iota
	// KindRetryable failures may be re-dispatched by the caller, usually on
	// a different session.
	KindRetryable
	// KindRateLimited means the server throttled us. The session has already
	// been put into its rate-limit window; the task itself is not at fault.
	KindRateLimited
	// KindAuthFailed means the stored session credentials were rejected. The
	// caller must purge them before the session is reused.
	KindAuthFailed
	// KindFatal failures are terminal and never retried.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindRateLimited:
		return "rate-limited"
	case KindAuthFailed:
		return "auth-failed"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the structured result of one fetch attempt.
type Outcome struct {
	Kind Kind
	// Tag is the short human label shown in status lines, e.g. "Empty",
	// "Hidden", "OK (12 itm)", "Rate Limit".
	Tag string
	// Price is the aggregated inventory value. Only meaningful on success.
	Price float64
	// ItemCount is the number of assets seen across all fetched pages.
	ItemCount int
	// Pages is how many pages were fetched before stopping.
	Pages int
	// Partial marks a success built from truncated pagination.
	Partial bool
	// ResetTransport asks the caller to rebuild the session's connection
	// pool, set when the proxy dropped mid-flight.
	ResetTransport bool
	// PurgeCredentials asks the caller to delete the session's stored
	// cookies, set on auth failures.
	PurgeCredentials bool
	// Timeout marks a retryable failure caused by a request timeout so the
	// caller can feed the session's timeout streak.
	Timeout bool
	// NoRetry marks a retryable-kind outcome that must not be re-dispatched:
	// the problem sits with the session, not the identifier.
	NoRetry bool
	// Elapsed is the wall time of the whole attempt.
	Elapsed time.Duration
	// Err carries the underlying error for non-success outcomes, if any.
	Err error
}

// Terminal reports whether the outcome ends the task (no re-dispatch).
func (o Outcome) Terminal() bool {
	return o.Kind == KindSuccess || o.Kind == KindFatal
}

func success(tag string, price float64, count, pages int) Outcome {
	return Outcome{Kind: KindSuccess, Tag: tag, Price: price, ItemCount: count, Pages: pages}
}

func retryable(tag string, err error) Outcome {
	return Outcome{Kind: KindRetryable, Tag: tag, Err: err}
}
