package binance

import "fmt"

// RESTError reports a REST fetch that failed after exhausting retries or hit
// a non-retryable HTTP status. It is local to one fetch; callers apply their
// own backoff.
type RESTError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *RESTError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("binance rest %s: status %d: %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("binance rest %s: %v", e.Endpoint, e.Err)
}

func (e *RESTError) Unwrap() error {
	return e.Err
}
