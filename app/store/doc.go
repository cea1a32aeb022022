// Package store keeps password-protected settings records in a single SQLite table.
// Every read of a full record, update and delete verifies the caller's password against
// the stored hash first; list returns only the public summary columns.
package store
