// Package errors defines the error taxonomy used throughout Snow Bunny.
//
// Per-file failures are represented by UploadError and travel as data on an
// upload result; they never abort a run. ConfigError is the only error class
// that is surfaced as a process-level failure before any work starts.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies the outcome of a single file upload attempt.
type Kind string

const (
	// KindRead means the local file could not be read.
	KindRead Kind = "ReadError"
	// KindInitiate means the multipart session could not be opened.
	KindInitiate Kind = "InitiateError"
	// KindPart means at least one part upload failed.
	KindPart Kind = "PartError"
	// KindCompletion means the backend rejected or failed the completion call.
	KindCompletion Kind = "CompletionError"
)

// Kinds lists every per-file error kind in reporting order.
var Kinds = []Kind{KindRead, KindInitiate, KindPart, KindCompletion}

// UploadError is a per-file, non-fatal failure. The file it names stays
// pending and is retried on the next run.
type UploadError struct {
	// Kind is the stage of the upload that failed.
	Kind Kind
	// Path is the local file path being uploaded.
	Path string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface for UploadError.
func (e *UploadError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *UploadError) Unwrap() error {
	return e.Err
}

// NewUploadError builds an UploadError for the given stage.
func NewUploadError(kind Kind, path string, err error) *UploadError {
	return &UploadError{Kind: kind, Path: path, Err: err}
}

// KindOf returns the Kind carried by err, or "" if err is not an UploadError.
func KindOf(err error) Kind {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// ConfigError reports missing or invalid configuration (credentials, vault,
// backend settings). It is fatal and aborts the run before any I/O.
type ConfigError struct {
	// Field names the offending setting.
	Field string
	// Message is a human-readable description of the problem.
	Message string
}

// Error implements the error interface for ConfigError.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

// NewConfigError builds a ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Sentinel errors shared by the archive backends and the engine.
var (
	// ErrChecksumMismatch is returned when the checksum asserted at completion
	// does not match the checksum recomputed by the backend.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrNoSuchUpload is returned when an upload ID is unknown to the backend.
	ErrNoSuchUpload = errors.New("no such multipart upload")

	// ErrEmptyFile is returned for zero-length files, which cannot be
	// archived through a multipart session.
	ErrEmptyFile = errors.New("file is empty")

	// ErrNoVault is returned when no destination vault was supplied.
	ErrNoVault = NewConfigError("vault", "no vault provided")
)
