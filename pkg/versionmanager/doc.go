// Package versionmanager implements the version manager persona over
// the structured-data version graphs.
package versionmanager
