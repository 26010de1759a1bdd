// Package events is the vault's internal notification bus. Persona
// services publish what their committed actions changed (holder health,
// account lifecycle, churn outcomes); the vault and the harness
// subscribe per event type to drive follow-up work such as
// re-replication. Delivery is best-effort per subscriber so the commit
// path never blocks on an observer.
package events
