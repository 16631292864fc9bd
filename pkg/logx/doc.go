// Package logx configures tasksched's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, one event per line
//
// Components derive their logger with With(logx.String("comp", ...)) so a
// dispatcher line and a worker line can be told apart in either sink.
package logx
