// Package syncer replicates state between the members of a close
// group: it broadcasts locally proposed unresolved entries so peers
// can merge them toward quorum, and it moves whole accounts between
// vaults when routing churn changes responsibility.
package syncer
