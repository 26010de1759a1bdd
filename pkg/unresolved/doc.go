// Package unresolved is the log of proposed-but-uncommitted actions.
// Local proposals and matching peer proposals merge under the key
// (name, action kind, message id) by unioning originator sets; an
// entry commits when at least group_size-1 originators including this
// vault have proposed it. Entries that never reach quorum age out.
package unresolved
