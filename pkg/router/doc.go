// Package router declares the overlay interface the vault consumes and
// provides an in-memory implementation for tests and single-process
// clusters. The production transport lives in the deployment harness.
package router
