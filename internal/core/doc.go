// Package core provides the ingest pipeline for OBD2 CSV logs.
//
// The package holds all domain logic independent of storage or transport. It
// talks to the outside world only through [BulkLoader] and [TripSink], so
// the CLI, the queue worker and tests drive the same code.
//
// # Architecture
//
// The package is organized around a few key pieces:
//
//   - Parser: Streams one file through the trip lifecycle.
//   - Service: Bounds concurrent ingests and tracks asynchronous runs.
//   - Streaming: BOM stripping, UTF-8 repair and byte counting around encoding/csv.
//   - Sampler: Keeps the leading rows of every mapped cell for column validation.
//
// # Trip Lifecycle
//
// A trip is created only after the header passes validation. From then on
// it moves strictly forward:
//
//	pending -> processing -> parsed -> analyzed
//
// Any failure after creation moves it to error, including cancellation.
// Data points already written by earlier batches are kept.
//
// # Streaming Ingest
//
// Ingest runs in O(batch_size) memory regardless of file size:
//
//  1. [Parser.ParseFile] extracts ZIP bundles and opens the log
//  2. The header is mapped to canonical columns and validated
//  3. Rows are cleaned, timestamped and written in batches of [ParserConfig.BatchSize]
//  4. The diagnostic analyzer folds each row into fixed-size accumulators
//  5. Progress is broadcast to subscribers via [Service.SubscribeProgress]
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each error category has a unique code for support reference:
//
//   - CAT001-CAT002: Column catalog errors
//   - VAL001-VAL004: Header and CSV format errors
//   - LOAD001: Batch persistence errors
//   - FILE001-FILE005: File and archive errors
//   - ING001-ING007: Ingest run errors (cancelled, busy, not found)
//   - DB001-DB006: Database errors (duplicates, constraints, connections)
package core
