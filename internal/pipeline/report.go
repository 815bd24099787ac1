package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openmoleculedata/molingest/pkg/errors"
)

// ReportFilename is the Markdown report written at the output root after
// every run.
const ReportFilename = "raw-data-report.md"

// DirectorySummary aggregates file statistics for one directory.
type DirectorySummary struct {
	Directory  string
	FileCount  int
	TotalBytes int64
}

// SourceSummary is the execution summary for a single source.
type SourceSummary struct {
	Name           string
	Type           string
	Completed      bool
	TotalBatches   int
	BatchesWritten int
	RecordsWritten int
	Output         DirectorySummary
	// Downloads is nil for sources without a local archive cache.
	Downloads *DirectorySummary
}

// summarizeOutputDir counts the batch artifacts a source has produced.
func summarizeOutputDir(dir string) DirectorySummary {
	return summarizeDirectory(dir, []string{"*.jsonl", "*.jsonl.gz"})
}

// summarizeDownloadDir counts everything in a source's archive cache.
func summarizeDownloadDir(dir string) DirectorySummary {
	return summarizeDirectory(dir, nil)
}

// summarizeDirectory computes file statistics. A nil pattern list counts
// every file recursively; patterns match names in the directory itself.
func summarizeDirectory(dir string, patterns []string) DirectorySummary {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	summary := DirectorySummary{Directory: abs}

	if _, err := os.Stat(abs); err != nil {
		return summary
	}

	if patterns == nil {
		filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if info, err := d.Info(); err == nil {
				summary.FileCount++
				summary.TotalBytes += info.Size()
			}
			return nil
		})
		return summary
	}

	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(abs, pattern))
		if err != nil {
			continue
		}
		for _, match := range matches {
			if info, err := os.Stat(match); err == nil && !info.IsDir() {
				summary.FileCount++
				summary.TotalBytes += info.Size()
			}
		}
	}
	return summary
}

// formatBytes renders a byte count with a human-readable unit.
func formatBytes(size int64) string {
	if size <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	value := float64(size)
	for _, unit := range units {
		if value < 1024 || unit == units[len(units)-1] {
			if unit == "B" {
				return fmt.Sprintf("%d %s", int64(value), unit)
			}
			return fmt.Sprintf("%.2f %s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%d B", size)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// WriteReport persists the Markdown run report at the output root.
// Summaries are rendered in name order regardless of completion order.
func WriteReport(outputDir string, summaries []SourceSummary) error {
	reportDir, err := filepath.Abs(outputDir)
	if err != nil {
		reportDir = outputDir
	}
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create report directory")
	}

	sorted := make([]SourceSummary, len(summaries))
	copy(sorted, summaries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	timestamp := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)

	var b strings.Builder
	b.WriteString("# Raw Data Download Report\n\n")
	b.WriteString("Generated: " + timestamp + "\n\n")

	if len(sorted) == 0 {
		b.WriteString("No sources were executed.\n")
		return writeReportFile(reportDir, b.String())
	}

	b.WriteString("| Source | Type | Completed | Total Batches | Batches (run) | Records (run) | " +
		"Output Files | Output Size | Download Files | Download Size |\n")
	b.WriteString("| --- | --- | --- | --- | --- | --- | --- | --- | --- | --- |\n")
	for _, s := range sorted {
		downloadFiles := "n/a"
		downloadSize := "n/a"
		if s.Downloads != nil {
			downloadFiles = fmt.Sprintf("%d", s.Downloads.FileCount)
			downloadSize = formatBytes(s.Downloads.TotalBytes)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %d | %d | %d | %s | %s | %s |\n",
			s.Name, s.Type, yesNo(s.Completed),
			s.TotalBatches, s.BatchesWritten, s.RecordsWritten,
			s.Output.FileCount, formatBytes(s.Output.TotalBytes),
			downloadFiles, downloadSize)
	}

	for _, s := range sorted {
		fmt.Fprintf(&b, "\n## %s\n\n", s.Name)
		fmt.Fprintf(&b, "- **Source type**: %s\n", s.Type)
		fmt.Fprintf(&b, "- **Completed**: %s\n", yesNo(s.Completed))
		fmt.Fprintf(&b, "- **Total batches**: %d\n", s.TotalBatches)
		fmt.Fprintf(&b, "- **Batches written this run**: %d\n", s.BatchesWritten)
		fmt.Fprintf(&b, "- **Records written this run**: %d\n", s.RecordsWritten)
		fmt.Fprintf(&b, "- **Output directory**: `%s`\n", filepath.ToSlash(s.Output.Directory))
		fmt.Fprintf(&b, "- **Output artifacts**: %d files totaling %s\n",
			s.Output.FileCount, formatBytes(s.Output.TotalBytes))
		if s.Downloads != nil {
			fmt.Fprintf(&b, "- **Download cache**: `%s` (%d files, %s)\n",
				filepath.ToSlash(s.Downloads.Directory), s.Downloads.FileCount, formatBytes(s.Downloads.TotalBytes))
		} else {
			b.WriteString("- **Download cache**: n/a\n")
		}
	}

	return writeReportFile(reportDir, b.String())
}

func writeReportFile(dir, content string) error {
	path := filepath.Join(dir, ReportFilename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "write report "+path)
	}
	return nil
}
