// Package vault composes the persona services over one database and
// router into a running node, and owns the churn logic that hands
// accounts over when close groups change.
package vault
