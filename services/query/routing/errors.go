// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routing

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================
//
// Only validation errors surface to the caller: an empty or over-long
// utterance is rejected before routing and the caller should prompt the user.
// Provider failures and persistence failures degrade inside the pipeline —
// the stage abstains or the conversation continues in memory — and an
// unresolvable query is never an error at all (the router returns the safe
// default instead).

// Error codes for QueryError.
const (
	// ErrCodeEmptyQuery — the utterance is empty or whitespace-only.
	ErrCodeEmptyQuery = "empty_query"

	// ErrCodeQueryTooLong — the utterance exceeds the length ceiling.
	ErrCodeQueryTooLong = "query_too_long"

	// ErrCodeProvider — an embedding/classification call failed. Stages
	// absorb this code internally; it appears only in logs.
	ErrCodeProvider = "provider_unavailable"

	// ErrCodePersistence — a key-value store read/write failed. Logged;
	// the conversation continues in memory.
	ErrCodePersistence = "persistence"
)

// QueryError is a typed error carried across the routing boundary.
type QueryError struct {
	// Code is one of the ErrCode constants.
	Code string

	// Message is a human-readable description.
	Message string

	// Retryable reports whether retrying the same call may succeed.
	Retryable bool
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewQueryError creates a QueryError.
func NewQueryError(code, message string, retryable bool) *QueryError {
	return &QueryError{Code: code, Message: message, Retryable: retryable}
}

// IsValidation reports whether err is a user-visible validation failure
// (empty or over-long utterance).
func IsValidation(err error) bool {
	var qe *QueryError
	if !errors.As(err, &qe) {
		return false
	}
	return qe.Code == ErrCodeEmptyQuery || qe.Code == ErrCodeQueryTooLong
}
