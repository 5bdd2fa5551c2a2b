package apierrors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Classify maps a raw transport error into the core taxonomy. Context
// cancellation passes through untouched: cancellation is a first-class
// outcome, never an error to be reclassified or swallowed.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ae *AuthenticationError
	if errors.As(err, &ae) {
		return err
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ConnectionError{Err: err}
	}
	if isConnectionMessage(err.Error()) {
		return &ConnectionError{Err: err}
	}
	return err
}

func isConnectionMessage(msg string) bool {
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"name resolution",
		"network is unreachable",
		"broken pipe",
		"EOF",
		"tls",
		"certificate",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
