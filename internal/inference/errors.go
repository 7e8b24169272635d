package inference

import "fmt"

// CallError reports a failure to reach the workflow endpoint: transport, auth or a non-2xx status.
type CallError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		if e.Err != nil {
			return fmt.Sprintf("inference call failed with status %d: %v", e.StatusCode, e.Err)
		}
		return fmt.Sprintf("inference call failed with status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("inference call failed: %v", e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// ResponseError reports a workflow answer that does not have the expected shape.
type ResponseError struct {
	Reason string
	Err    error
}

func (e *ResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unexpected inference response: %s: %v", e.Reason, e.Err)
	}
	return "unexpected inference response: " + e.Reason
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

func responseErrorf(format string, args ...any) *ResponseError {
	return &ResponseError{Reason: fmt.Sprintf(format, args...)}
}
