// Package logx is carposter's structured logging on top of zerolog.
//
// A Service owns the sinks: a readable console writer, an optional JSON
// file and an in-memory Ring holding the last lines shown by the operator
// UI. Loggers carry fixed fields (With) and follow Service.Apply, so a
// config reload changes level and sinks without rebuilding components.
package logx
