// Package storage persists the run history: one record per terminal
// per-system outcome plus one per completed stage. It is optional; with no
// driver configured the recorder is simply not started.
//
// The sqlite driver is gated behind the "sqlite" build tag so default
// builds stay CGO-free and dependency-light; the file driver covers the
// same API with JSON Lines.
package storage
