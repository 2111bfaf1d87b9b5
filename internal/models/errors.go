package models

import (
	"errors"
	"fmt"
)

// Per-file failure kinds. The error text is the kind name so that it shows up
// verbatim in UploadTask.ErrorMessage.
var (
	ErrMalformedDocument  = errors.New("MalformedDocument")
	ErrOCRFailure         = errors.New("OCRFailure")
	ErrInvalidCredentials = errors.New("InvalidCredentials")
	ErrServiceUnavailable = errors.New("ServiceUnavailable")
	ErrEmptyInput         = errors.New("EmptyInput")
	ErrStorageWriteFailed = errors.New("StorageWriteFailed")
	ErrPersistenceFailed  = errors.New("PersistenceFailed")
	ErrUnsupportedFile    = errors.New("UnsupportedFile")
	ErrCancelled          = errors.New("Cancelled")
)

// Batch-level failures: the only errors Ingest itself returns.
var (
	ErrInvalidBatch = errors.New("invalid batch")
	ErrMissingActor = errors.New("missing actor context")
)

// WrapError tags err with a failure kind and the operation that produced it.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", kind, operation)
	}
	return fmt.Errorf("%w: %s: %w", kind, operation, err)
}

// IsClassificationFailure reports whether err is one of the classifier's
// failure kinds.
func IsClassificationFailure(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrEmptyInput)
}
