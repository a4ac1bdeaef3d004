// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package cube

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure. The kind decides whether the queue
// should redeliver (transient I/O) or the activity row should be flipped to
// ERROR and left for manual intervention.
type ErrorKind string

const (
	// KindInput marks malformed activities, missing scenes, bad band lists.
	// Never retried.
	KindInput ErrorKind = "input"
	// KindData marks raster-level failures: open errors, unexpected dtypes,
	// all-nodata stacks. Never retried; surfaces as a stuck stage.
	KindData ErrorKind = "data"
	// KindCatalog marks missing collections, bands, or tiles in the catalog
	// at publish time.
	KindCatalog ErrorKind = "catalog"
)

// StageError is the error payload written onto an activity row.
type StageError struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

// Error records a classified stage failure.
type Error struct {
	Kind ErrorKind
	Step string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Step, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Step, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// StageError converts the error into the activity-row payload.
func (e *Error) StageError() StageError {
	return StageError{Step: e.Step, Message: e.Error()}
}

// NewInputError builds a non-retryable input error.
func NewInputError(step, msg string) *Error {
	return &Error{Kind: KindInput, Step: step, Msg: msg}
}

// NewDataError builds a non-retryable data error.
func NewDataError(step, msg string, err error) *Error {
	return &Error{Kind: KindData, Step: step, Msg: msg, Err: err}
}

// NewCatalogError builds a publish-time catalog error.
func NewCatalogError(step, msg string, err error) *Error {
	return &Error{Kind: KindCatalog, Step: step, Msg: msg, Err: err}
}

// AsStageError classifies err for the activity table. Unclassified errors are
// transient: the caller should crash and let the queue redeliver.
func AsStageError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
