package executor

import (
	"context"
	"errors"
	"net"

	"github.com/loomworks/loom/internal/handler"
)

// classify maps a plain Go error from a handler onto the node error
// taxonomy. Network hiccups and deadline misses are worth retrying;
// everything else is permanent.
func classify(err error) *handler.NodeError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &handler.NodeError{Kind: handler.ErrTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &handler.NodeError{Kind: handler.ErrPermanent, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &handler.NodeError{Kind: handler.ErrRetryable, Message: err.Error()}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return &handler.NodeError{Kind: handler.ErrPermanent, Message: err.Error()}
		}
		return &handler.NodeError{Kind: handler.ErrRetryable, Message: err.Error()}
	}
	return &handler.NodeError{Kind: handler.ErrPermanent, Message: err.Error()}
}
