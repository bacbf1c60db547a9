// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apperr defines the error taxonomy shared by every layer of
// the runtime, each carrying the HTTP status code the API layer
// should return for it.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP-status mapping and for callers
// that want to branch on failure type without string matching.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindDatabase    Kind = "database"
	KindVectorDim   Kind = "vector_search"
	KindModel       Kind = "model"
	KindRuntime     Kind = "runtime"
	KindNotFound    Kind = "not_found"
	KindForbidden   Kind = "forbidden"
	KindRateLimited Kind = "rate_limited"
	KindInternal    Kind = "internal"
)

// statusOf maps a Kind to its HTTP status code.
var statusOf = map[Kind]int{
	KindValidation:  400,
	KindDatabase:    500,
	KindVectorDim:   400,
	KindModel:       502,
	KindRuntime:     500,
	KindNotFound:    404,
	KindForbidden:   403,
	KindRateLimited: 429,
	KindInternal:    500,
}

// Error is the concrete error type used across the runtime.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// StatusCode returns the HTTP status code for this error's Kind.
func (e *Error) StatusCode() int {
	if code, ok := statusOf[e.Kind]; ok {
		return code
	}
	return 500
}

// New creates an Error of the given kind with a plain message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation, Database, Model, Runtime, NotFound, Forbidden, and
// RateLimited are convenience constructors for the taxonomy kinds.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func Database(err error, format string, args ...any) *Error {
	return Wrap(KindDatabase, fmt.Sprintf(format, args...), err)
}

func Model(err error, format string, args ...any) *Error {
	return Wrap(KindModel, fmt.Sprintf(format, args...), err)
}

func Runtime(format string, args ...any) *Error {
	return New(KindRuntime, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, fmt.Sprintf(format, args...))
}

func RateLimited(format string, args ...any) *Error {
	return New(KindRateLimited, fmt.Sprintf(format, args...))
}

// VectorDimension reports a search vector whose dimension does not
// match the configured partition dimension.
func VectorDimension(actual, expected int) *Error {
	return &Error{
		Kind:    KindVectorDim,
		Message: fmt.Sprintf("embedding dimension mismatch: got %d, expected %d", actual, expected),
	}
}

// As is a small convenience wrapper over errors.As for callers that
// only need the *Error back.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusCode extracts the HTTP status for any error, defaulting to 500
// for errors that are not an *Error.
func StatusCode(err error) int {
	if e, ok := As(err); ok {
		return e.StatusCode()
	}
	return 500
}
