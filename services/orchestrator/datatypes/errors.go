// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package datatypes

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"

	"github.com/go-playground/validator/v10"
)

// ===== Error Codes =====

// ErrorCode is the closed set of machine-readable failure codes carried
// by error frames and REST error envelopes. Clients switch on these, so
// the set only ever grows.
type ErrorCode string

const (
	ErrCodeValidation           ErrorCode = "VALIDATION_ERROR"
	ErrCodeTimeout              ErrorCode = "TIMEOUT_ERROR"
	ErrCodeConnection           ErrorCode = "CONNECTION_ERROR"
	ErrCodeHTTP                 ErrorCode = "HTTP_ERROR"
	ErrCodeMissingKey           ErrorCode = "MISSING_KEY_ERROR"
	ErrCodeType                 ErrorCode = "TYPE_ERROR"
	ErrCodeRuntime              ErrorCode = "RUNTIME_ERROR"
	ErrCodeFileNotFound         ErrorCode = "FILE_NOT_FOUND_ERROR"
	ErrCodePermission           ErrorCode = "PERMISSION_ERROR"
	ErrCodeRateLimited          ErrorCode = "RATE_LIMITED"
	ErrCodeConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	ErrCodeUnsupportedMode      ErrorCode = "UNSUPPORTED_MODE"
	ErrCodeStream               ErrorCode = "STREAM_ERROR"
	ErrCodeUnknown              ErrorCode = "UNKNOWN_ERROR"
)

// Coder is implemented by errors that know their own wire code.
// ClassifyError walks the wrap chain looking for one, so a coded error
// keeps its code no matter how many fmt.Errorf layers accumulate above
// it.
type Coder interface {
	ErrorCode() ErrorCode
}

// ===== CodedError =====

// CodedError attaches an ErrorCode to an arbitrary error or message.
// Use it where no richer error type exists; adapters and stores with
// their own error types implement Coder directly instead.
type CodedError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *CodedError) Unwrap() error { return e.Err }

// ErrorCode implements Coder.
func (e *CodedError) ErrorCode() ErrorCode { return e.Code }

// NewCodedError builds a standalone coded error.
func NewCodedError(code ErrorCode, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// WrapCode attaches a code to an existing error. Returns nil when err
// is nil so call sites can wrap unconditionally.
func WrapCode(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

// ===== Classification =====

// ClassifyError maps any error onto its wire code.
//
// # Description
//
// Resolution order: an explicit Coder anywhere in the wrap chain wins;
// then context deadline and cancellation; then validator, JSON, and
// filesystem error types; everything left is UNKNOWN_ERROR. A nil error
// classifies to the empty string.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var coder Coder
	if errors.As(err, &coder) {
		return coder.ErrorCode()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	// A cancelled context means the stream was torn down under us, not
	// that the work itself timed out.
	if errors.Is(err, context.Canceled) {
		return ErrCodeStream
	}

	var valErrs validator.ValidationErrors
	if errors.As(err, &valErrs) {
		return ErrCodeValidation
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return ErrCodeType
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return ErrCodeValidation
	}

	if errors.Is(err, fs.ErrNotExist) {
		return ErrCodeFileNotFound
	}
	if errors.Is(err, fs.ErrPermission) {
		return ErrCodePermission
	}

	return ErrCodeUnknown
}

// ClassifiedMessage pairs the code with the error text, which is what
// error frames and REST envelopes send.
func ClassifiedMessage(err error) (ErrorCode, string) {
	if err == nil {
		return "", ""
	}
	return ClassifyError(err), err.Error()
}
