// Package datamanager implements the data manager persona: per data
// element it tracks size, subscriber count, and the online/offline
// replica holder sets, and emits the events that drive re-replication.
package datamanager
