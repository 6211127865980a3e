// Package stores provides the work record store used by the deployd
// scheduler: deployment requests, per-component results, process association
// records and last known component status.
//
// Two backends share one SQL implementation. SQLiteStore suits a single
// orchestrator instance; PostgresStore lets several instances claim work from
// the same tables. In both, every status change is one conditional UPDATE
// whose affected row count tells the caller whether it won the transition.
//
// Schemas are embedded and applied with golang-migrate.
package stores
