// Package poll fetches authoritative job snapshots and feeds them to the
// progress engine. A Reconciler runs individual rounds; a Scheduler decides
// when rounds run, ticking only while some tracked job is still incomplete.
package poll
