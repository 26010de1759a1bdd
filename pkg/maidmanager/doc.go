// Package maidmanager implements the maid manager persona: the close
// group around a client that accounts for stored data and registered
// pmid holders, and forwards admitted puts toward the data managers.
package maidmanager
