package hypervolt

import "errors"

// Error taxonomy for the charger API. Callers match with errors.Is.
var (
	// ErrInvalidAuth means the current credentials were rejected. The stored
	// tokens are cleared so the next attempt performs a full login.
	ErrInvalidAuth = errors.New("invalid auth")

	// ErrCannotConnect covers transient network and server failures. Retried
	// with backoff.
	ErrCannotConnect = errors.New("cannot connect")

	// ErrUpdateFailed means a single refresh cycle failed but the coordinator
	// keeps running.
	ErrUpdateFailed = errors.New("update failed")

	// ErrReauthRequired is surfaced by the coordinator when authentication
	// failed mid-cycle and the owner needs to supply new credentials.
	ErrReauthRequired = errors.New("re-authentication required")
)
