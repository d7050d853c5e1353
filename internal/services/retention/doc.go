// Package retention periodically removes published batches older than a
// configured age.
//
// # Schedule formats
//
//   - Cron expressions: 5-field (min hour dom mon dow) or 6-field with optional
//     seconds. Example: "0 4 * * *".
//   - Cron descriptors: "@hourly", "@daily", "@every 6h".
//   - Interval durations: Go duration strings like "6h" or "90m".
//
// Prefix the string with "cron:" or "every:" to force interpretation.
//
// A run that is still in progress when the next tick fires causes that tick
// to be skipped.
package retention
