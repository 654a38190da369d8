// Package types contains the REST object model shared across the engine:
// objects, pointers, dates, and access control lists as they appear on
// the wire and in storage.
package types
