package parley

import (
	"errors"
	"fmt"
)

// Command rejections. These never terminate a running conversation; the
// command that triggered them is simply refused.
var (
	ErrAlreadyRunning = errors.New("conversation already running")
	ErrNotRunning     = errors.New("no conversation running")
	ErrNoConfig       = errors.New("no configuration loaded")
)

// ErrModel is a failure from a model endpoint. Kind distinguishes the
// recovery path: unreachable endpoints and unknown models terminate the
// conversation, timeouts synthesize a message and continue.
type ErrModel struct {
	Kind    ModelErrorKind
	Agent   string
	Message string
}

// ModelErrorKind classifies model endpoint failures.
type ModelErrorKind string

const (
	ModelErrUnreachable ModelErrorKind = "endpoint_unreachable"
	ModelErrNotFound    ModelErrorKind = "model_not_found"
	ModelErrTimeout     ModelErrorKind = "invocation_timeout"
	ModelErrMalformed   ModelErrorKind = "malformed_response"
)

func (e *ErrModel) Error() string {
	return fmt.Sprintf("model %s: %s", e.Kind, e.Message)
}

// ErrInvalidOverride reports a start-time override that failed validation,
// e.g. a starting agent outside the participating set.
type ErrInvalidOverride struct {
	Field  string
	Reason string
}

func (e *ErrInvalidOverride) Error() string {
	return fmt.Sprintf("invalid override %s: %s", e.Field, e.Reason)
}

// ErrConfigInvalid reports a configuration that cannot initialize a
// conversation.
type ErrConfigInvalid struct {
	Reason string
}

func (e *ErrConfigInvalid) Error() string {
	return "invalid configuration: " + e.Reason
}
