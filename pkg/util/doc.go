// Package util provides common utility functions and data structures
//
// This package includes a generic set and a hierarchical path index used by
// the scheduler and step validation
package util
