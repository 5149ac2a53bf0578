package shipper

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Send and SendRaw after Close.
	ErrClosed = errors.New("shipper is closed")

	// ErrUnrepresentable is returned for records that cannot be stored one per line.
	ErrUnrepresentable = errors.New("record cannot be represented as a single line")
)

// FailureCategory classifies a FailureReport.
type FailureCategory int

const (
	FailureSerialization FailureCategory = iota + 1
	FailureNetwork
	FailureFileLoad
	FailureFileSave
	FailureOther
)

func (c FailureCategory) String() string {
	switch c {
	case FailureSerialization:
		return "serialization"
	case FailureNetwork:
		return "network"
	case FailureFileLoad:
		return "file-load"
	case FailureFileSave:
		return "file-save"
	default:
		return "other"
	}
}

// FailureReport describes one failed operation.
// Records holds the affected records when there are any; it is a copy the sink may keep.
type FailureReport struct {
	Category FailureCategory
	Message  string
	Err      error
	Records  []string
}

func (r FailureReport) asError() error {
	if r.Err == nil {
		return fmt.Errorf("%s failure: %s", r.Category, r.Message)
	}
	return fmt.Errorf("%s failure: %s: %w", r.Category, r.Message, r.Err)
}

// FailureSink receives failure reports. OnFailed may be called from the producer
// goroutine, the delivery goroutine or the goroutine calling Close, and must not block for long.
type FailureSink interface {
	OnFailed(report FailureReport)
}

// FailureSinkFunc adapts a function to FailureSink.
type FailureSinkFunc func(report FailureReport)

func (f FailureSinkFunc) OnFailed(report FailureReport) {
	f(report)
}
