// Package logx configures duesched's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and size-rotated (lumberjack)
//   - Level and sinks swappable at runtime via Service.Apply
package logx
