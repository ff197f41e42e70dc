// Package worker lets Go programs serve step handlers for a switchyard
// host
//
// A process worker calls Run from main. The host spawns it per invocation
// and talks to it over a descriptor pair, or over stdio. A socket worker
// calls Connect to join a remote host's worker pool and serves invocations
// until its context ends
package worker
