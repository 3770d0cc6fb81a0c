// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP responses
// (via the `fail()` helper in this package). These codes provide clients with a stable,
// machine-readable error taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless explicitly noted.
//   - Generic codes (e.g., bad_request, unauthorized, conflict) mirror common HTTP
//     status semantics to aid interoperability.
//   - Pipeline codes (generation_failed, publish_failed) name the stage of a
//     deployment that failed; the deployment record is marked failed and the
//     same key may be retried.
//   - All error responses must include both an HTTP status and one of these codes.
//
// Example response:
//
//	{
//	  "ok": false,
//	  "error": "generation failed: llm returned no files",
//	  "code": "generation_failed",
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeValidation       = "validation_failed"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodePayloadTooLarge  = "payload_too_large"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	// Deployment pipeline:
	ErrCodeGenerationFailed = "generation_failed"
	ErrCodePublishFailed    = "publish_failed"
	ErrCodeListFailed       = "list_failed"
)
