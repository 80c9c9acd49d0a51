// Package sched schedules simulation systems onto a fixed pool of exclusive
// GPU devices.
//
// One worker goroutine runs per device. All shared state (the priority
// backlog, the free-device set and the in-flight table) lives behind a
// single mutex in one state struct, and every transition is performed while
// holding it; external commands always execute outside the lock. A separate
// monitor goroutine reclaims devices from jobs that exceed their wall-clock
// budget and re-enqueues the system.
package sched
