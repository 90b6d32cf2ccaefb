package domain

import "fmt"

type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusReceiving  FileStatus = "receiving"
	StatusAssembling FileStatus = "assembling"
	StatusProcessing FileStatus = "processing"
	StatusActive     FileStatus = "active"
	StatusFailed     FileStatus = "failed"
	StatusDeleted    FileStatus = "deleted"
)

var transitions = map[FileStatus][]FileStatus{
	StatusPending:    {StatusProcessing, StatusReceiving, StatusFailed},
	StatusReceiving:  {StatusAssembling, StatusFailed},
	StatusAssembling: {StatusProcessing, StatusReceiving, StatusFailed},
	StatusProcessing: {StatusActive, StatusFailed},
	StatusActive:     {StatusDeleted},
	StatusFailed:     {StatusDeleted},
}

// InFlightStatuses are the non-terminal states counted against the per-owner upload ceiling.
var InFlightStatuses = []FileStatus{StatusPending, StatusReceiving, StatusAssembling, StatusProcessing}

// Terminal reports whether no further processing happens in this state.
func (s FileStatus) Terminal() bool {
	switch s {
	case StatusActive, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to FileStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the record to the next status, rejecting illegal moves.
func (f *FileRecord) Transition(to FileStatus) error {
	if !CanTransition(f.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.Status, to)
	}
	f.Status = to
	return nil
}

// Fail moves a non-terminal record to failed and records the cause.
func (f *FileRecord) Fail(action string, cause error) error {
	if err := f.Transition(StatusFailed); err != nil {
		return err
	}
	if cause != nil {
		f.SetMeta(MetaError, cause.Error())
	}
	f.Record(action, cause)
	return nil
}
