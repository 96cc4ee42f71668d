// Package contracts provides the core types shared by every part of the gateway.
//
// This package defines:
//   - Envelope: the request/response wrapper relayed between participants
//   - Participant and Role: the identity of a caller or target
//   - Flow: a named API interaction with its routing and reliability rules
//   - Error and Code: the stable error taxonomy returned to callers
//
// The gateway is content-agnostic. An Envelope exposes only the identifiers the
// gateway needs for correlation and keeps every other JSON member untouched.
package contracts
