package email

import (
	"context"
	"errors"
	"net"
)

// Failure classes reported by Client operations. Each returned error
// wraps exactly one of these, plus the underlying cause.
var (
	ErrFolderOpen = errors.New("open folder")
	ErrSearch     = errors.New("search folder")
	ErrFetch      = errors.New("fetch messages")
	ErrMove       = errors.New("move messages")
	ErrFlags      = errors.New("update flags")
	ErrSend       = errors.New("send message")
	ErrTimeout    = errors.New("timed out")

	// ErrNotFound accompanies ErrFetch when a requested UID does not
	// exist in the folder.
	ErrNotFound = errors.New("message not found")
)

// IsTimeout reports whether err was caused by a deadline or a network
// timeout rather than a refusal from the server.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// UserMessage converts an operation error into the short sentence shown
// to end users. Timeouts are reported separately from other failures.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsTimeout(err):
		return "Timed out while connecting to the server"
	case errors.Is(err, ErrFolderOpen):
		return "Failed to open the folder"
	case errors.Is(err, ErrSearch):
		return "Failed to query for emails on the server"
	case errors.Is(err, ErrFetch):
		return "Failed to fetch messages!"
	case errors.Is(err, ErrMove):
		return "Failed to move email"
	case errors.Is(err, ErrFlags):
		return "Failed to update email flags"
	case errors.Is(err, ErrSend):
		return "Failed to send email"
	default:
		return "An unspecified error has occurred"
	}
}
