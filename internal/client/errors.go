package client

import (
	"fmt"
	"strings"
)

// NetworkError wraps a transport failure. The engine never retries on
// its own; callers decide.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BadResponse is a server reply that doesn't fit the protocol: an
// unexpected status without a rejection body, or an unparseable body.
type BadResponse struct {
	URL    string
	Status int
	Body   string
}

func (e *BadResponse) Error() string {
	return fmt.Sprintf("unexpected response %d from %s: %s", e.Status, e.URL, e.Body)
}

// PushRejected is a push the server refused outright.
type PushRejected struct {
	Reasons []string
}

func (e *PushRejected) Error() string {
	return "push rejected: " + strings.Join(e.Reasons, "; ")
}

// PullSuggested is the rejection kind signalling the node is behind the
// server and should pull before pushing again.
type PullSuggested struct {
	PushRejected
}

// SuggestsPullFunc classifies a push rejection. Returning true turns it
// into a *PullSuggested error.
type SuggestsPullFunc func(status int, reasons []string) bool

// defaultSuggestsPull matches the server's pull-suggested reason text.
func defaultSuggestsPull(status int, reasons []string) bool {
	for _, r := range reasons {
		if strings.Contains(r, "pull suggested") {
			return true
		}
	}
	return false
}
