package errors

import (
	"errors"
)

var (
	ErrFinished         = errors.New("No file transfer needed")
	ErrInvalidBody      = errors.New("Invalid body")
	ErrRejected         = errors.New("Rejected")
	ErrInvalidPIN       = errors.New("Invalid PIN")
	ErrBlockedByOthers  = errors.New("Block by another session")
	ErrAddressMismatch  = errors.New("Sender address mismatch")
	ErrNotFound         = errors.New("Not found")
	ErrNoSession        = errors.New("No active session")
	ErrNoPendingRequest = errors.New("No pending request")
	ErrTooManyReq       = errors.New("Too many request")
	ErrFileIO           = errors.New("File IO")
	ErrChecksum         = errors.New("sha256 mismatch")
	ErrStartup          = errors.New("Fail to start server")
	ErrAlreadyRunning   = errors.New("Server already running")
)

// Status maps err to the status code of the v2 protocol.
func Status(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, ErrFinished):
		return 204
	case errors.Is(err, ErrInvalidBody), errors.Is(err, ErrNotFound):
		return 400
	case errors.Is(err, ErrInvalidPIN):
		return 401
	case errors.Is(err, ErrRejected), errors.Is(err, ErrAddressMismatch):
		return 403
	case errors.Is(err, ErrBlockedByOthers), errors.Is(err, ErrNoSession):
		return 409
	case errors.Is(err, ErrTooManyReq):
		return 429
	default:
		return 500
	}
}

// StatusV1 maps err to the status code of the v1 protocol, which reports
// every client-side failure as 400.
func StatusV1(err error) int {
	code := Status(err)
	if code >= 400 && code < 500 && code != 401 && code != 429 {
		return 400
	}
	return code
}
