package llm

import "fmt"

// ProviderError is a non-2xx response from a model provider. The
// status code drives retry and failover decisions upstream.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the failure is transient: rate limits,
// server errors, and upstream overload. Auth and request-shape errors
// are not retryable.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.Status == 429:
		return true
	case e.Status >= 500:
		return true
	case e.Status == 408:
		return true
	default:
		return false
	}
}
