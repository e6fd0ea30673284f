// Package errors provides the unified application error for pipeguard.
//
// Component packages return their own typed errors (circuit open, retries
// exhausted, timeout, rate limited, task not found). Each of those
// implements Converter, so a transport layer can turn any error into an
// AppError with From and render it with ToResponse, following RFC 7807.
package errors
