package authflow

import "fmt"

// ValidationError reports recoverable bad input to a step, such as an
// empty authorization code. Prior progress is preserved; the caller can
// correct the input and retry the same step.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// OAuthStepError wraps a failure of one workflow step with the step it
// occurred in.
type OAuthStepError struct {
	Step Step
	Err  error
}

func (e *OAuthStepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *OAuthStepError) Unwrap() error {
	return e.Err
}

// ProxyError reports a non-success status from the authorization proxy,
// mapped to a human-readable cause.
type ProxyError struct {
	Status int
	Cause  string
	Body   string
}

func (e *ProxyError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s (status %d): %s", e.Cause, e.Status, e.Body)
	}
	return fmt.Sprintf("%s (status %d)", e.Cause, e.Status)
}

// newProxyError maps a proxy response status to the fixed cause taxonomy.
func newProxyError(status int, body []byte) *ProxyError {
	var cause string
	switch {
	case status == 400:
		cause = "malformed proxy request"
	case status == 401:
		cause = "Authentication failed: invalid proxy credential"
	case status == 403:
		cause = "access forbidden by proxy"
	case status == 404:
		cause = "proxy target misconfigured"
	case status >= 500:
		cause = "upstream failure behind proxy"
	default:
		cause = "unexpected proxy response"
	}
	return &ProxyError{Status: status, Cause: cause, Body: string(body)}
}
