// Package stores provides the durable state backend. The SQLite store keeps
// three things: the applied-state record per managed resource, the single
// reconciler lease, and the history of reconciliation cycles. Schema changes
// ship as embedded migrations run on startup.
package stores
