// Package log provides the structured event trace of a device.
//
// Operational logging goes through log/slog. This package is separate: it
// captures machine-readable events (frames on the wire, device and peer
// state changes, shared-memory region lifecycle, errors) so a run can be
// replayed and inspected afterwards.
//
// # Basic Usage
//
//	// During development: events go to the console
//	cfg.EventLogger = log.NewSlogAdapter(slog.Default())
//
//	// In production: append to a binary file
//	fl, _ := log.NewFileLogger("/var/log/fmq/sampler.flog")
//	cfg.EventLogger = log.NewMultiLogger(fl, log.NewSlogAdapter(slog.Default()))
//
// Components take a Logger and stamp their own identity with Tagged, so
// events from one device carry its id without every call site repeating it.
//
// # File Format
//
// Log files are a stream of CBOR-encoded Event values with integer keys.
// The fmq-log tool views, filters, and summarizes them.
package log
