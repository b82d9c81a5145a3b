package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"folder", fmt.Errorf("%w Archive: %w", ErrFolderOpen, errors.New("NO")), "Failed to open the folder"},
		{"search", fmt.Errorf("%w INBOX: %w", ErrSearch, errors.New("BAD")), "Failed to query for emails on the server"},
		{"fetch", fmt.Errorf("%w INBOX: %w", ErrFetch, errors.New("BYE")), "Failed to fetch messages!"},
		{"move", fmt.Errorf("%w to Trash: %w", ErrMove, errors.New("NO")), "Failed to move email"},
		{"flags", fmt.Errorf("%w in INBOX: %w", ErrFlags, errors.New("NO")), "Failed to update email flags"},
		{"send", fmt.Errorf("%w: %w", ErrSend, errors.New("550")), "Failed to send email"},
		{"timeout sentinel", fmt.Errorf("%w INBOX: %w", ErrFetch, ErrTimeout), "Timed out while connecting to the server"},
		{"context deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), "Timed out while connecting to the server"},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, "Timed out while connecting to the server"},
		{"other", errors.New("boom"), "An unspecified error has occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.want {
				t.Errorf("UserMessage(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	if IsTimeout(nil) {
		t.Error("IsTimeout(nil) = true")
	}
	if IsTimeout(errors.New("refused")) {
		t.Error("IsTimeout(refused) = true")
	}
	if !IsTimeout(timeoutError{}) {
		t.Error("IsTimeout(net timeout) = false")
	}
	if IsTimeout(context.Canceled) {
		t.Error("IsTimeout(context.Canceled) = true")
	}
}
