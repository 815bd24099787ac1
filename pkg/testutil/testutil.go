// Package testutil provides shared helpers for package tests: loggers wired
// to the test output, contexts with deadlines, and fixture builders for the
// ingestion domain.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/openmoleculedata/molingest/pkg/models"
)

// Logger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func Logger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// Context creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func Context(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// WriteFile creates a file with content under dir, creating parents.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create parent directories for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Records builds n sequential records for a source, identifiers starting
// at 1.
func Records(source string, n int) []models.Record {
	records := make([]models.Record, n)
	for i := range records {
		records[i] = models.Record{
			Source:     source,
			Identifier: fmt.Sprintf("ID%06d", i+1),
			SMILES:     "C",
			Metadata:   map[string]string{},
		}
	}
	return records
}

// SDFEntry renders one minimal SDF entry with the given properties,
// terminated by the record delimiter.
func SDFEntry(props map[string]string) string {
	entry := "\n  test\n\n  0  0  0  0  0  0  0  0  0  0999 V2000\nM  END\n"
	for tag, value := range props {
		entry += fmt.Sprintf("> <%s>\n%s\n\n", tag, value)
	}
	return entry + "$$$$\n"
}
