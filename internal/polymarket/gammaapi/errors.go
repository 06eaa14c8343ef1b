package gammaapi

import "fmt"

// TransientFetchError is a network failure, timeout, 429 or 5xx. The next
// cycle retries.
type TransientFetchError struct {
	URL        string
	StatusCode int // 0 for transport errors
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient fetch error %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient fetch error %s: %v", e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// MalformedResponseError is a payload that cannot be used at all
type MalformedResponseError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s (status %d): %v", e.URL, e.StatusCode, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}
