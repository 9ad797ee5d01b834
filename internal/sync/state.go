package sync

import (
	"errors"
	"fmt"
)

// Kind classifies a single edit of the working copy
type Kind int

const (
	Add Kind = iota + 1
	Delete
	Modify
)

func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Delete:
		return "delete"
	case Modify:
		return "modify"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Operation is one edit applied to the version subtree
type Operation struct {
	Kind   Kind
	Path   string // relative to the version subtree, "." for the subtree itself
	Source string // absolute path in the source tree
	Target string // absolute path in the working copy
}

func (o Operation) String() string {
	return o.Kind.String() + " " + o.Path
}

// ErrorKind distinguishes the fatal synchronization failures
type ErrorKind int

const (
	// AnomalousEntry is an entry that cannot be classified consistently
	// across the two trees.
	AnomalousEntry ErrorKind = iota + 1
	// IOFailure is a failed local copy, delete, stat or read.
	IOFailure
)

var (
	ErrAnomalousEntry = errors.New("anomalous entry")
	ErrIOFailure      = errors.New("filesystem operation failed")
)

// SyncError aborts a synchronization. It is never retried.
type SyncError struct {
	Kind   ErrorKind
	Path   string
	Reason string
	Err    error
}

func (e *SyncError) Error() string {
	var msg string
	switch e.Kind {
	case AnomalousEntry:
		msg = fmt.Sprintf("anomalous entry %q: %s", e.Path, e.Reason)
	default:
		msg = fmt.Sprintf("%s %q", e.Reason, e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is matches the ErrAnomalousEntry and ErrIOFailure sentinels.
func (e *SyncError) Is(target error) bool {
	switch target {
	case ErrAnomalousEntry:
		return e.Kind == AnomalousEntry
	case ErrIOFailure:
		return e.Kind == IOFailure
	}
	return false
}

func anomaly(path, reason string, err error) *SyncError {
	return &SyncError{Kind: AnomalousEntry, Path: path, Reason: reason, Err: err}
}

func ioFailure(path, reason string, err error) *SyncError {
	return &SyncError{Kind: IOFailure, Path: path, Reason: reason, Err: err}
}
