package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmoleculedata/molingest/pkg/testutil"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{0, "0 B"},
		{-5, "0 B"},
		{1, "1 B"},
		{1023, "1023 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1024 * 1024, "1.00 MB"},
		{5 * 1024 * 1024 * 1024, "5.00 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.size))
	}
}

func TestSummarizeOutputDirCountsBatchArtifacts(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "zinc-batch-000001.jsonl", "a\n")
	testutil.WriteFile(t, dir, "zinc-batch-000002.jsonl.gz", "bb\n")
	// Non-batch files are not part of the artifact summary.
	testutil.WriteFile(t, dir, "notes.txt", "ignored")
	testutil.WriteFile(t, dir, "nested/zinc-batch-000003.jsonl", "ccc\n")

	summary := summarizeOutputDir(dir)
	assert.Equal(t, 2, summary.FileCount)
	assert.Equal(t, int64(5), summary.TotalBytes)
}

func TestSummarizeDownloadDirWalksRecursively(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "a.sdf.gz", "12345")
	testutil.WriteFile(t, dir, "sub/b.sdf.gz", "678")

	summary := summarizeDownloadDir(dir)
	assert.Equal(t, 2, summary.FileCount)
	assert.Equal(t, int64(8), summary.TotalBytes)
}

func TestSummarizeMissingDirIsEmpty(t *testing.T) {
	summary := summarizeOutputDir(filepath.Join(t.TempDir(), "absent"))
	assert.Equal(t, 0, summary.FileCount)
	assert.Equal(t, int64(0), summary.TotalBytes)
}

func TestWriteReportRendersSummaries(t *testing.T) {
	dir := t.TempDir()
	summaries := []SourceSummary{
		{
			Name:           "zinc",
			Type:           "zinc",
			Completed:      true,
			TotalBatches:   4,
			BatchesWritten: 2,
			RecordsWritten: 2000,
			Output:         DirectorySummary{Directory: "/data/out/zinc", FileCount: 4, TotalBytes: 2048},
			Downloads:      &DirectorySummary{Directory: "/data/zinc", FileCount: 3, TotalBytes: 4096},
		},
		{
			Name:   "chembl",
			Type:   "chembl",
			Output: DirectorySummary{Directory: "/data/out/chembl"},
		},
	}

	require.NoError(t, WriteReport(dir, summaries))
	data, err := os.ReadFile(filepath.Join(dir, ReportFilename))
	require.NoError(t, err)
	report := string(data)

	assert.Contains(t, report, "# Raw Data Download Report")
	assert.Contains(t, report, "| zinc | zinc | yes | 4 | 2 | 2000 | 4 | 2.00 KB | 3 | 4.00 KB |")
	assert.Contains(t, report, "| chembl | chembl | no | 0 | 0 | 0 | 0 | 0 B | n/a | n/a |")
	assert.Contains(t, report, "## zinc")
	assert.Contains(t, report, "- **Download cache**: `/data/zinc` (3 files, 4.00 KB)")
	assert.Contains(t, report, "- **Download cache**: n/a")

	// Sections are ordered by name regardless of input order.
	assert.Less(t, strings.Index(report, "## chembl"), strings.Index(report, "## zinc"))
}

func TestWriteReportWithNoSources(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteReport(dir, nil))

	data, err := os.ReadFile(filepath.Join(dir, ReportFilename))
	require.NoError(t, err)
	assert.Contains(t, string(data), "No sources were executed.")
}

func TestWriteReportCreatesOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "deep", "out")
	require.NoError(t, WriteReport(dir, nil))

	_, err := os.Stat(filepath.Join(dir, ReportFilename))
	require.NoError(t, err)
}
