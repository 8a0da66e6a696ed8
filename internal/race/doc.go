// Package race provides the shared data model for the relay-race sync engine.
//
// This package contains type definitions, the column payload codec, canonical
// JSON and the error taxonomy. Every other internal package imports race;
// race imports nothing internal.
//
// Key design constraints:
//   - Timestamps are Unix milliseconds (Timestamp), optional values are pointers
//   - Payload keys use snake_case column names shared with the remote store
//   - Projected times are derived data and never appear in a Payload
package race
