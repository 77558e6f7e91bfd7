package session

import "fmt"

// CredentialError is a permanent authentication failure: invalid credentials,
// an unknown user, or a failed token refresh. It is never retried; the
// operator must intervene (or the caller must re-authenticate).
type CredentialError struct {
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("session: %s", e.Reason)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// TransientAuthError reports that authentication retries were exhausted on
// network or server failures. The caller may retry authentication later.
type TransientAuthError struct {
	Attempts int
	Err      error
}

func (e *TransientAuthError) Error() string {
	return fmt.Sprintf("session: authentication failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientAuthError) Unwrap() error { return e.Err }
