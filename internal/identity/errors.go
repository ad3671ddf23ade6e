package identity

import "errors"

var (
	ErrDuplicateUser     = errors.New("identity: user already exists")
	ErrUnknownUser       = errors.New("identity: unknown user")
	ErrUnknownRole       = errors.New("identity: unknown role")
	ErrUnknownPermission = errors.New("identity: unknown permission")
	ErrPermissionDenied  = errors.New("identity: permission denied")
	ErrInvalidInput      = errors.New("identity: invalid input")
	ErrRoleCycle         = errors.New("identity: role grant cycle")
)
