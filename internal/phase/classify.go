package phase

import (
	"errors"
	"io/fs"
	"os/exec"
	"strings"
)

// ErrConfiguration marks a failure caused by the environment rather than
// the work: retrying cannot help.
var ErrConfiguration = errors.New("configuration error")

// Class is the retry classification of a phase failure.
type Class string

const (
	ClassConfiguration Class = "configuration"
	ClassAgent         Class = "agent"
	ClassTesting       Class = "testing"
)

// Failure is a phase that did not succeed.
type Failure struct {
	Class  Class
	Reason string
	Final  bool // the requirement already failed and cannot be retried
	Err    error
}

func (f *Failure) Error() string { return f.Reason }

func (f *Failure) Unwrap() error { return f.Err }

// Classify decides the class of err.
func Classify(err error) Class {
	var f *Failure
	if errors.As(err, &f) && f.Class != "" {
		return f.Class
	}
	if errors.Is(err, ErrConfiguration) || errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrPermission) {
		return ClassConfiguration
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"executable file not found", "no such file or directory", "authentication", "invalid api key"} {
		if strings.Contains(msg, marker) {
			return ClassConfiguration
		}
	}
	return ClassAgent
}

// Retryable reports whether a failure of class c may be retried.
func (c Class) Retryable() bool {
	return c != ClassConfiguration
}
