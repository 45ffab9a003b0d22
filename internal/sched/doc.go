// Package sched runs named handlers on cron schedules.
//
// Schedules are an in-process registry, not persistent state: they are
// re-registered on every boot, so the set of schedules is always exactly what
// the current build registered. Only run metadata (last run, run count)
// accumulates, and only for the life of the process.
package sched
