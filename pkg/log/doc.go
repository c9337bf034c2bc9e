// Package log provides protocol capture for the PLC front-ends.
//
// It is separate from operational logging (slog). Every adapter can emit
// Events describing raw frames, decoded requests, connection and session
// state changes, and protocol errors. A capture of a red-team exercise can
// then be replayed and analysed offline with the plc-log tool.
//
// # Basic Usage
//
//	// Development: protocol events on the console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Exercise capture: CBOR file
//	fl, _ := log.NewFileLogger("/data/plc-sub-a.plog")
//	cfg.ProtocolLogger = fl
//
//	// Both
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # File Format
//
// Capture files are a stream of CBOR-encoded Events with integer keys,
// conventionally named *.plog.
package log
