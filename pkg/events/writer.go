package events

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records for a pipeline run.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a single
// line of JSON followed by a newline.
type Writer interface {
	// WriteRun emits a run lifecycle record.
	WriteRun(ctx context.Context, run *RunRecord) error

	// WriteStage emits a stage transition record.
	WriteStage(ctx context.Context, stage *StageRecord) error

	// WriteJob emits a job state record.
	WriteJob(ctx context.Context, job *JobRecord) error

	// WriteOutput emits a resolved output record.
	WriteOutput(ctx context.Context, out *OutputRecord) error

	// WriteCatalog emits a catalog registration record.
	WriteCatalog(ctx context.Context, cat *CatalogRecord) error

	// WriteError emits an error record.
	WriteError(ctx context.Context, rec *ErrorRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w     io.Writer
	runID string
	mu    sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (stdout, file, etc.)
//   - runID: Correlation ID for this pipeline run
func NewJSONLWriter(w io.Writer, runID string) *JSONLWriter {
	return &JSONLWriter{
		w:     w,
		runID: runID,
	}
}

// WriteRun emits a run lifecycle record.
func (jw *JSONLWriter) WriteRun(ctx context.Context, run *RunRecord) error {
	return jw.writeRecord(ctx, TypeRun, run)
}

// WriteStage emits a stage transition record.
func (jw *JSONLWriter) WriteStage(ctx context.Context, stage *StageRecord) error {
	return jw.writeRecord(ctx, TypeStage, stage)
}

// WriteJob emits a job state record.
func (jw *JSONLWriter) WriteJob(ctx context.Context, job *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, job)
}

// WriteOutput emits a resolved output record.
func (jw *JSONLWriter) WriteOutput(ctx context.Context, out *OutputRecord) error {
	return jw.writeRecord(ctx, TypeOutput, out)
}

// WriteCatalog emits a catalog registration record.
func (jw *JSONLWriter) WriteCatalog(ctx context.Context, cat *CatalogRecord) error {
	return jw.writeRecord(ctx, TypeCatalog, cat)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, rec)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line.
//
// This method holds the mutex for the entire operation to ensure
// atomic line writes. The record is written as a single line of
// JSON followed by a newline character.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	// Check context cancellation before acquiring lock
	if err := ctx.Err(); err != nil {
		return err
	}

	// Marshal the data payload first (outside the lock for better concurrency)
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	// Check if writer is closed
	if jw.closed {
		return ErrWriterClosed
	}

	// Check context again after acquiring lock
	if err := ctx.Err(); err != nil {
		return err
	}

	// Create the envelope record
	record := Record{
		Type:  recordType,
		TS:    time.Now().UTC(),
		RunID: jw.runID,
		Data:  dataBytes,
	}

	// Marshal the complete record
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// Write the record followed by newline.
	// We must handle short writes: io.Writer is allowed to return n < len(p)
	// with nil error, which would silently truncate JSONL lines and corrupt output.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, handling short writes.
//
// io.Writer.Write may return n < len(p) with a nil error (short write).
// This function loops until all bytes are written or an error occurs,
// ensuring complete JSONL lines are emitted.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			// No progress made - avoid infinite loop
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// NopWriter discards all records. It stands in when event output is
// not configured, so emit sites never need a nil check.
type NopWriter struct{}

func (NopWriter) WriteRun(context.Context, *RunRecord) error         { return nil }
func (NopWriter) WriteStage(context.Context, *StageRecord) error     { return nil }
func (NopWriter) WriteJob(context.Context, *JobRecord) error         { return nil }
func (NopWriter) WriteOutput(context.Context, *OutputRecord) error   { return nil }
func (NopWriter) WriteCatalog(context.Context, *CatalogRecord) error { return nil }
func (NopWriter) WriteError(context.Context, *ErrorRecord) error     { return nil }
func (NopWriter) Close() error                                       { return nil }

// Compile-time checks that both writers implement Writer.
var (
	_ Writer = (*JSONLWriter)(nil)
	_ Writer = NopWriter{}
)
