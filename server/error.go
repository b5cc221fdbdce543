package server

import "errors"

var (
	ErrUsernameTaken = errors.New("Username is taken.")
	ErrNotAuthorized = errors.New("Not authorized.")
	ErrStoreClosed   = errors.New("Offline store is closed.")
)

// AuthError marks an authentication failure on a connection. The reply is
// sent and the connection closed.
type AuthError struct {
	Origin error
}

func NewAuthError(err error) *AuthError {
	return &AuthError{Origin: err}
}

func (err *AuthError) Error() string {
	return err.Origin.Error()
}

func (err *AuthError) Unwrap() error {
	return err.Origin
}

// StorageError marks a spool or index failure in the offline store. The
// affected item stays queued for the next drain attempt.
type StorageError struct {
	Origin error
}

func NewStorageError(err error) *StorageError {
	return &StorageError{Origin: err}
}

func (err *StorageError) Error() string {
	return "storage error: " + err.Origin.Error()
}

func (err *StorageError) Unwrap() error {
	return err.Origin
}
