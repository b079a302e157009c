// Package httputil provides small helpers for JSON HTTP responses so that
// every handler returns the same envelope shapes.
package httputil
