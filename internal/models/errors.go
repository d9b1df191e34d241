package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// FailureKind classifies why a model could not be prepared.
type FailureKind string

const (
	FailureUnknownModel FailureKind = "unknown-model"
	FailureRuntime      FailureKind = "runtime-unavailable"
	FailureOutOfMemory  FailureKind = "out-of-memory"
	FailureDevice       FailureKind = "device-incompatible"
	FailureCorrupt      FailureKind = "corrupt-cache"
	FailureDownload     FailureKind = "download-failed"
)

// UnavailableError means a model cannot be prepared. It is terminal for the
// call that returned it.
type UnavailableError struct {
	Model   string
	Kind    FailureKind
	Details string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("model %q unavailable (%s): %s", e.Model, e.Kind, e.Details)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Classify wraps err as an UnavailableError. Errors that carry no typed
// cause are classified by their message; that match is best-effort.
func Classify(model string, err error) *UnavailableError {
	if err == nil {
		return nil
	}
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue
	}
	return &UnavailableError{Model: model, Kind: classifyKind(err), Details: err.Error(), Err: err}
}

func classifyKind(err error) FailureKind {
	switch {
	case errors.Is(err, ErrUnknownModel):
		return FailureUnknownModel
	case errors.Is(err, ErrCorrupt):
		return FailureCorrupt
	case errors.Is(err, context.DeadlineExceeded):
		return FailureDownload
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureDownload
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "out of memory", "cannot allocate", "failed to allocate", "oom"):
		return FailureOutOfMemory
	case containsAny(msg, "cuda", "gpu", "compute type", "compute capability", "device"):
		return FailureDevice
	case containsAny(msg, "magic", "corrupt", "truncated", "unexpected eof", "checksum", "invalid model"):
		return FailureCorrupt
	case containsAny(msg, "http ", "connection", "no such host", "tls"):
		return FailureDownload
	}
	return FailureRuntime
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
