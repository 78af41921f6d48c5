// Package stores persists the seek journal in SQLite.
//
// SQLiteStore implements engine.Journal: a worker configured with
// worker.WithJournal records one run per seek, every plan it found and
// every wave it committed. The schema is created by embedded migrations.
// The read side (ListRuns, GetRun, ListPlans, ListWaves) backs the
// `gustav runs` command.
package stores
