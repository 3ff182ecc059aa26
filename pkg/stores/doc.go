// Package stores persists run history in SQLite.
//
// A Recorder observes engine runs and writes each run, the outcome of every
// resource and the run's timeline events in a single transaction. History is
// an audit log: the engine never reads it, every run re-probes the machine.
package stores
