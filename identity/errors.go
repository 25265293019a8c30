// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"errors"
	"fmt"
)

// APIError is the structured error body returned by every rendezvous
// endpoint (identity, signaling, directory, TURN). Callers use
// errors.As to extract the structured information:
//
//	var apiErr *identity.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.Code == identity.ErrCodeUnknownToken { ... }
//	}
type APIError struct {
	// Code is the machine-readable error code (e.g. "unknown-token").
	Code string `json:"code"`
	// Message is the human-readable description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rendezvous: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Rendezvous error codes.
const (
	ErrCodeUnknownToken   = "unknown-token"
	ErrCodeNotFound       = "not-found"
	ErrCodeInvalidRequest = "invalid-request"
	ErrCodeInternal       = "internal"
)

// IsAPIError checks whether err is an *APIError with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
