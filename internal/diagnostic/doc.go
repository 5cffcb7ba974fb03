// Package diagnostic judges telemetry quality and vehicle health.
//
// Column level:
//   - Validator classifies raw cells and applies per-class validity thresholds.
//   - Correlate and SelectBest decide between duplicate sources of one signal.
//   - CheckFeasibility and DetectAvailable grade which diagnostics a file supports.
//
// Stream level:
//   - Analyzer folds rows into fixed-size accumulators and produces a Report.
//
// Nothing here performs I/O.
package diagnostic
