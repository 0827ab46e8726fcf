// Package util provides small shared helpers used across localup's
// packages, currently just log-body truncation:
//
//   - TruncateBody — cap request/response bodies for safe logging
package util
