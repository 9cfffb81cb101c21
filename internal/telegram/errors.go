package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/gotd/td/tgerr"
)

// Error taxonomy shared by every Platform implementation.
var (
	ErrTransient          = errors.New("transient platform error")
	ErrPrivateOrForbidden = errors.New("entity is private or access is forbidden")
	ErrNotFound           = errors.New("entity not found")
	ErrNotAuthorized      = errors.New("telegram client not authorized")
)

// RateLimitedError is the platform's flood-wait backpressure signal.
type RateLimitedError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited: retry after %s", e.Op, e.RetryAfter)
}

// AsRateLimited extracts a RateLimitedError from err.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsRateLimited reports whether err carries a flood-wait signal.
func IsRateLimited(err error) bool {
	_, ok := AsRateLimited(err)
	return ok
}

// RPC error types mapped to the taxonomy.
var (
	forbiddenTypes = []string{
		"CHANNEL_PRIVATE",
		"CHAT_ADMIN_REQUIRED",
		"CHAT_FORBIDDEN",
		"CHAT_WRITE_FORBIDDEN",
		"USER_PRIVACY_RESTRICTED",
		"USER_BANNED_IN_CHANNEL",
		"INVITE_REQUEST_SENT",
		"INVITE_HASH_EXPIRED",
		"CHANNELS_TOO_MUCH",
		"USER_CHANNELS_TOO_MUCH",
		"CHANNEL_PUBLIC_GROUP_NA",
		"MSG_ID_INVALID",
	}
	notFoundTypes = []string{
		"USERNAME_NOT_OCCUPIED",
		"USERNAME_INVALID",
		"CHANNEL_INVALID",
		"CHAT_ID_INVALID",
		"PEER_ID_INVALID",
		"INVITE_HASH_INVALID",
	}
)

// classifyError maps a raw client error onto the taxonomy, keeping the
// original error in the chain.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := AsRateLimited(err); ok {
		return err
	}

	if d, ok := tgerr.AsFloodWait(err); ok {
		return &RateLimitedError{Op: op, RetryAfter: d}
	}
	if rpcErr, ok := tgerr.As(err); ok {
		switch {
		case rpcErr.IsOneOf("SLOWMODE_WAIT", "FLOOD_PREMIUM_WAIT"):
			return &RateLimitedError{Op: op, RetryAfter: time.Duration(rpcErr.Argument) * time.Second}
		case rpcErr.IsOneOf(forbiddenTypes...):
			return fmt.Errorf("%s: %w: %w", op, ErrPrivateOrForbidden, err)
		case rpcErr.IsOneOf(notFoundTypes...):
			return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
		case rpcErr.Code >= 500 || rpcErr.Code == -503:
			return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
		case rpcErr.Code == 401:
			return fmt.Errorf("%s: %w: %w", op, ErrNotAuthorized, err)
		}
	}

	// gotd errors are sometimes wrapped into plain strings by intermediaries
	if seconds := floodWaitSeconds(err); seconds > 0 {
		return &RateLimitedError{Op: op, RetryAfter: time.Duration(seconds) * time.Second}
	}

	if isNetworkError(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// floodWaitSeconds parses "FLOOD_WAIT_X" / "FLOOD_WAIT (X)" style messages.
func floodWaitSeconds(err error) int {
	str := err.Error()
	idx := strings.Index(str, "FLOOD_WAIT")
	if idx < 0 {
		return 0
	}
	rest := strings.TrimLeft(str[idx+len("FLOOD_WAIT"):], "_ (")
	var seconds int
	_, _ = fmt.Sscanf(rest, "%d", &seconds)
	return seconds
}

func isNetworkError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
