package main

// ExitCodeError wraps an error with a specific process exit code.
//
// Most failures exit with code 1. Scripts calling botprobe rely on code 2
// meaning the invocation itself was wrong (bad flags, missing input files),
// so no network activity has happened yet when a code-2 error comes back.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
