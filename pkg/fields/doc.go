// Package fields implements the field pipeline of an entry type.
//
// A submission goes through three stages, always in this order:
//
//  1. validate: required fields must be present and non-empty, fields
//     outside the allowed list are rejected (or dropped with ignore_unknown)
//  2. generate: extra fields are rendered from templates in declaration order
//  3. transform: named transforms rewrite field values in declaration order
//
// Every stage is pure and returns a fresh mapping.
package fields
