// Package api defines the core data types shared by the step runtime
//
// This package contains step and trigger definitions, queue events and
// dead letters, state store records, distributed locks, and the RPC wire
// messages exchanged between the host and its workers
package api
