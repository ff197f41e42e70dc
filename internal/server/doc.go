// Package server implements the HTTP surface of the step runtime
//
// This package routes /api requests to api triggers and provides endpoints
// for inspecting steps, queues, dead letters, state, and locks, plus
// WebSocket connections for trace streaming and remote workers
package server
