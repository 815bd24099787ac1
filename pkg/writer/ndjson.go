// Package writer persists record batches as newline-delimited JSON files,
// one file per batch, grouped by source.
package writer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/openmoleculedata/molingest/pkg/compression"
	"github.com/openmoleculedata/molingest/pkg/errors"
	"github.com/openmoleculedata/molingest/pkg/models"
)

// NDJSONWriter writes batch files under baseDir/<source>/. Batch indexes
// start at 1 and are zero-padded so shell globs sort in write order.
type NDJSONWriter struct {
	baseDir  string
	compress bool
	logger   *zap.Logger
}

// NewNDJSONWriter creates a writer rooted at baseDir. The directory is
// created eagerly so configuration problems surface before the first batch.
func NewNDJSONWriter(baseDir string, compress bool, logger *zap.Logger) (*NDJSONWriter, error) {
	if baseDir == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "output directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "create output directory "+baseDir)
	}
	return &NDJSONWriter{
		baseDir:  baseDir,
		compress: compress,
		logger:   logger.With(zap.String("component", "writer")),
	}, nil
}

// BaseDir returns the output root.
func (w *NDJSONWriter) BaseDir() string { return w.baseDir }

// BatchPath returns where a given batch of a source is written.
func (w *NDJSONWriter) BatchPath(source string, batchIndex int) string {
	suffix := ".jsonl"
	if w.compress {
		suffix = ".jsonl.gz"
	}
	filename := fmt.Sprintf("%s-batch-%06d%s", source, batchIndex, suffix)
	return filepath.Join(w.baseDir, source, filename)
}

// WriteBatch persists one batch and returns its path. An empty batch is
// rejected; empty pages never reach the writer.
func (w *NDJSONWriter) WriteBatch(source string, batchIndex int, records []models.Record) (string, error) {
	if len(records) == 0 {
		return "", errors.Newf(errors.ErrorTypeInternal, "source %s: refusing to write empty batch %d", source, batchIndex)
	}

	path := w.BatchPath(source, batchIndex)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "create source directory")
	}

	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "create batch file "+path)
	}

	if err := w.writeRecords(f, records); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", errors.Wrap(err, errors.ErrorTypeFile, "close batch file "+path)
	}

	w.logger.Debug("wrote batch",
		zap.String("source", source),
		zap.Int("batch_index", batchIndex),
		zap.Int("records", len(records)),
		zap.String("path", path))
	return path, nil
}

func (w *NDJSONWriter) writeRecords(f *os.File, records []models.Record) error {
	algo := compression.None
	if w.compress {
		algo = compression.Gzip
	}
	cw, err := compression.NewWriter(f, algo)
	if err != nil {
		return err
	}

	buf := bufio.NewWriterSize(cw, 256*1024)
	for _, rec := range records {
		line, err := rec.MarshalLine()
		if err != nil {
			cw.Close()
			return err
		}
		if _, err := buf.Write(line); err != nil {
			cw.Close()
			return errors.Wrap(err, errors.ErrorTypeFile, "write record")
		}
		if err := buf.WriteByte('\n'); err != nil {
			cw.Close()
			return errors.Wrap(err, errors.ErrorTypeFile, "write record")
		}
	}
	if err := buf.Flush(); err != nil {
		cw.Close()
		return errors.Wrap(err, errors.ErrorTypeFile, "flush batch")
	}
	if err := cw.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "finalize batch")
	}
	return nil
}
