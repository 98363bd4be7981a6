package session

import "github.com/pkg/errors"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("session expired")
	ErrForbidden          = errors.New("access denied")
	ErrConnectivity       = errors.New("unable to reach the server")
	ErrNotPrivileged      = errors.New("refreshed role does not match the expected role")
	ErrNoCredential       = errors.New("no credential")
)

// Notice is a user-visible message explaining why a session was ended or a request failed.
type Notice string

const (
	NoticeSessionExpired Notice = "Your session has expired. Please log in again."
	NoticeAccessDenied   Notice = "Access denied."
	NoticeConnectivity   Notice = "Unable to reach the server. Check your connection and try again."
)

// Notifier surfaces notices to the user (flash message, terminal output...).
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a func to a Notifier.
type NotifierFunc func(n Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

func noticeFor(err error) Notice {
	switch {
	case errors.Is(err, ErrConnectivity):
		return NoticeConnectivity
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotPrivileged):
		return NoticeAccessDenied
	default:
		return NoticeSessionExpired
	}
}
