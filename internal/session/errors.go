package session

import "errors"

var (
	// ErrInvalidCredentials covers both unknown usernames and credential
	// mismatches so callers cannot enumerate accounts. The audit record
	// carries the precise reason.
	ErrInvalidCredentials = errors.New("session: invalid credentials")

	// ErrAccountLocked indicates the account is under temporary lockout.
	ErrAccountLocked = errors.New("session: account locked")

	// ErrInvalidToken indicates a service token failed verification.
	ErrInvalidToken = errors.New("session: invalid token")
)
