// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package services contains the outbound adapters the pipeline calls:
// chat completion, web search, the document store, and the graph-RAG
// engine. Every adapter applies its own per-call timeout, never retries,
// and reports failures as a typed *AdapterError so callers can map them
// onto stable error codes without string matching.
package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// ===== Error Kinds =====

// ErrorKind identifies the failure class of an adapter call.
type ErrorKind string

const (
	// KindTimeout means the per-call deadline elapsed before a response.
	KindTimeout ErrorKind = "timeout"

	// KindConnection means the transport failed before or during the
	// exchange (dial failure, reset, DNS error).
	KindConnection ErrorKind = "connection"

	// KindHTTPStatus means the upstream answered with a non-2xx status.
	// StatusCode and Body carry the evidence.
	KindHTTPStatus ErrorKind = "http_status"

	// KindDecode means the upstream answered 2xx but the payload could
	// not be parsed into the expected shape.
	KindDecode ErrorKind = "decode"

	// KindUpstream means the upstream reported a structured,
	// service-level failure inside an otherwise well-formed response.
	KindUpstream ErrorKind = "upstream"
)

// maxErrorBodyBytes caps how much of an upstream response body is
// retained on an HTTP status error. Bodies are evidence, not payload.
const maxErrorBodyBytes = 2048

// ===== AdapterError =====

// AdapterError is the single error type every adapter in this package
// returns.
//
// # Description
//
// An AdapterError records which adapter failed (Service), which call
// failed (Op), how it failed (Kind), and any upstream evidence
// (StatusCode/Body for HTTP failures, Detail for structured upstream
// failures). The wrapped cause, when present, is reachable through
// errors.Unwrap, so errors.Is(err, context.DeadlineExceeded) keeps
// working through the wrapper.
//
// # Thread Safety
//
// AdapterError values are immutable after construction.
type AdapterError struct {
	// Kind is the failure class. Always set.
	Kind ErrorKind

	// Service names the adapter, e.g. "chat", "web_search",
	// "doc_store", "graphrag".
	Service string

	// Op names the failing call, e.g. "Complete", "QueryCollection".
	Op string

	// StatusCode is the upstream HTTP status. Only set for KindHTTPStatus.
	StatusCode int

	// Body is the upstream response body, truncated to
	// maxErrorBodyBytes. Only set for KindHTTPStatus.
	Body string

	// Detail carries the upstream's own failure description for
	// KindUpstream, or parser context for KindDecode.
	Detail string

	// Err is the underlying cause, when one exists.
	Err error
}

func (e *AdapterError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.%s: %s", e.Service, e.Op, e.Kind)
	if e.Kind == KindHTTPStatus {
		fmt.Fprintf(&b, " %d", e.StatusCode)
		if e.Body != "" {
			fmt.Fprintf(&b, ": %s", e.Body)
		}
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *AdapterError) Unwrap() error { return e.Err }

// ErrorCode maps the failure class onto the wire taxonomy, implementing
// datatypes.Coder.
func (e *AdapterError) ErrorCode() datatypes.ErrorCode {
	switch e.Kind {
	case KindTimeout:
		return datatypes.ErrCodeTimeout
	case KindConnection:
		return datatypes.ErrCodeConnection
	case KindHTTPStatus:
		return datatypes.ErrCodeHTTP
	case KindDecode:
		return datatypes.ErrCodeType
	case KindUpstream:
		return datatypes.ErrCodeRuntime
	}
	return datatypes.ErrCodeUnknown
}

// Is lets errors.Is match against a prototype AdapterError by Kind,
// ignoring the call-site fields. errors.Is(err, &AdapterError{Kind:
// KindTimeout}) asks "was this a timeout?" regardless of which adapter
// raised it.
func (e *AdapterError) Is(target error) bool {
	t, ok := target.(*AdapterError)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Service != "" && t.Service != e.Service {
		return false
	}
	if t.Op != "" && t.Op != e.Op {
		return false
	}
	return true
}

// ===== Constructors =====

// NewTimeoutError reports that op ran out of time. cause is typically
// context.DeadlineExceeded and stays reachable via errors.Is.
func NewTimeoutError(service, op string, cause error) *AdapterError {
	return &AdapterError{Kind: KindTimeout, Service: service, Op: op, Err: cause}
}

// NewConnectionError reports a transport failure.
func NewConnectionError(service, op string, cause error) *AdapterError {
	return &AdapterError{Kind: KindConnection, Service: service, Op: op, Err: cause}
}

// NewHTTPStatusError reports a non-2xx upstream response. The body is
// truncated to maxErrorBodyBytes.
func NewHTTPStatusError(service, op string, status int, body []byte) *AdapterError {
	b := body
	if len(b) > maxErrorBodyBytes {
		b = b[:maxErrorBodyBytes]
	}
	return &AdapterError{
		Kind:       KindHTTPStatus,
		Service:    service,
		Op:         op,
		StatusCode: status,
		Body:       string(b),
	}
}

// NewDecodeError reports an unparseable 2xx payload.
func NewDecodeError(service, op string, cause error) *AdapterError {
	return &AdapterError{Kind: KindDecode, Service: service, Op: op, Err: cause}
}

// NewUpstreamError reports a service-level failure the upstream
// described inside a well-formed response.
func NewUpstreamError(service, op, detail string) *AdapterError {
	return &AdapterError{Kind: KindUpstream, Service: service, Op: op, Detail: detail}
}

// ===== Classification Helpers =====

// classifyTransportError maps an error returned by the HTTP client (or
// an SDK on top of it) onto a timeout or connection AdapterError. It
// checks the context first: a deadline hit mid-transport surfaces as
// a url.Error wrapping context.DeadlineExceeded, and we want those
// reported as timeouts, not connection failures.
func classifyTransportError(service, op string, err error) *AdapterError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(service, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return NewTimeoutError(service, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError(service, op, err)
	}
	return NewConnectionError(service, op, err)
}

// AsAdapterError unwraps err to the AdapterError inside it, if any.
func AsAdapterError(err error) (*AdapterError, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
