package ratelimit

import (
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"io"
	"net"
	"strings"
	"syscall"
)

var connectionMarkers = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"broken pipe",
	"NOAUTH",
	"WRONGPASS",
	"invalid password",
}

// IsConnectionError reports whether err means the backend is unreachable or
// rejects our credentials, as opposed to a transient command failure.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range connectionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
