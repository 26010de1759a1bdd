// Package accumulator deduplicates inbound requests and gates them on
// sender quorum before they enter the action pipeline.
//
// A request is identified by (message id, sending group). A single
// source needs one observation; a group source needs group_size-1
// distinct members. The first observation to meet the threshold is
// admitted; everything after it is a duplicate. Entries expire after a
// TTL while pending, but handled state persists so late retries of an
// answered request replay the cached reply instead of re-running the
// action. Memory is bounded by an LRU cap per persona.
package accumulator
