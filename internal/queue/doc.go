// Package queue persists pending ingest jobs in a local SQLite database so
// uploads survive a worker restart without needing PostgreSQL.
//
// Jobs move pending -> running -> done or failed. Each job points at a
// spooled copy of the uploaded file. The worker removes that copy once the
// job finishes, whether it succeeded or not; Retry takes a new copy.
//
// The database holds only in-flight work. Schema changes bump schemaVersion
// and ask the operator to delete the file.
package queue
