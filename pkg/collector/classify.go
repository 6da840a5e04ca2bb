package collector

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/docker/docker/client"
)

// Failure classes for an unreachable host
const (
	ClassConnectionRefused = "connection-refused"
	ClassDNSFailure        = "dns-failure"
	ClassTimeout           = "timeout"
	ClassReset             = "reset"
	ClassOther             = "other"
)

// Classify maps a transport error to a failure class
func Classify(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassDNSFailure
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ClassConnectionRefused
	}

	if errors.Is(err, syscall.ECONNRESET) || strings.Contains(err.Error(), "connection reset") {
		return ClassReset
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	// The Docker client replaces refused dials with its own error
	if client.IsErrConnectionFailed(err) || strings.Contains(err.Error(), "connection refused") {
		return ClassConnectionRefused
	}

	return ClassOther
}

func describe(class string) string {
	switch class {
	case ClassConnectionRefused:
		return "connection refused"
	case ClassDNSFailure:
		return "host name could not be resolved"
	case ClassTimeout:
		return "timed out"
	case ClassReset:
		return "connection reset by peer"
	default:
		return "unreachable"
	}
}
