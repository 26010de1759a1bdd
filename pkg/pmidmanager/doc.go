// Package pmidmanager implements the pmid manager persona: the close
// group around a replica holder, rolling up what it stores and
// relaying its health to the affected data manager groups.
package pmidmanager
