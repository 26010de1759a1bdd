// Package pipeline is the request path every persona service shares:
// sender-validated messages pass the accumulator's quorum gate, become
// proposed actions in the unresolved log, travel to peers through the
// syncer, and on commit are applied through the persona's merge policy
// with replies routed back to the originator.
package pipeline
