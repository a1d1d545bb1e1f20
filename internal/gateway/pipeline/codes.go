package pipeline

// Error codes carried in the standard error envelope. The set mirrors the
// public API contract of the platform; upstream services reuse the same
// vocabulary so clients see one taxonomy regardless of failure origin.
const (
	CodeAuthMissing         = "AUTH_MISSING"
	CodeAuthInvalid         = "AUTH_INVALID"
	CodeForbidden           = "FORBIDDEN"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeBadGateway          = "BAD_GATEWAY"
	CodeInternalServerError = "INTERNAL_SERVER_ERROR"
)
