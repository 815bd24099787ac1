package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmoleculedata/molingest/pkg/checkpoint"
	"github.com/openmoleculedata/molingest/pkg/config"
	"github.com/openmoleculedata/molingest/pkg/connector/core"
	"github.com/openmoleculedata/molingest/pkg/connector/registry"
	"github.com/openmoleculedata/molingest/pkg/errors"
	"github.com/openmoleculedata/molingest/pkg/models"
	"github.com/openmoleculedata/molingest/pkg/testutil"
)

// scriptedSource produces a fixed number of records in batch-sized pages,
// resuming from an "offset" cursor, optionally failing after N pages.
type scriptedSource struct {
	name      string
	batch     int
	total     int
	failAfter int
	cps       *checkpoint.Store
}

type scriptedOptions struct {
	Records     int    `yaml:"records"`
	FailAfter   int    `yaml:"fail_after"`
	DownloadDir string `yaml:"download_dir"`
}

func init() {
	registry.RegisterSource("scripted", func(cfg *core.SourceConfig) (core.Source, error) {
		var opts scriptedOptions
		if err := core.DecodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return &scriptedSource{
			name:      cfg.Name,
			batch:     cfg.BatchSize,
			total:     opts.Records,
			failAfter: opts.FailAfter,
			cps:       cfg.Checkpoints,
		}, nil
	})
	registry.RegisterSource("scripted-prefetch", func(cfg *core.SourceConfig) (core.Source, error) {
		var opts scriptedOptions
		if err := core.DecodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return &prefetchSource{
			scriptedSource: &scriptedSource{
				name:  cfg.Name,
				batch: cfg.BatchSize,
				total: opts.Records,
				cps:   cfg.Checkpoints,
			},
			dir: opts.DownloadDir,
		}, nil
	})
}

func (s *scriptedSource) Name() string { return s.name }
func (s *scriptedSource) Close() error { return nil }

func (s *scriptedSource) FetchPages(ctx context.Context) *core.PageStream {
	return core.Produce(ctx, func(ctx context.Context, emit func(*models.Page) error) error {
		cp, err := s.cps.Load(s.name)
		if err != nil {
			return err
		}
		if cp != nil && cp.Completed {
			return nil
		}
		start := 0
		if cp != nil {
			if v, ok := cp.Cursor.Int("offset"); ok {
				start = v
			}
		}

		pages := 0
		for i := start; i < s.total; {
			n := s.batch
			if i+n > s.total {
				n = s.total - i
			}
			records := make([]models.Record, n)
			for j := range records {
				records[j] = models.Record{
					Source:     s.name,
					Identifier: fmt.Sprintf("%s-%06d", s.name, i+j+1),
					SMILES:     "C",
					Metadata:   map[string]string{},
				}
			}
			i += n

			var next models.Cursor
			if i < s.total {
				next = models.Cursor{"offset": i}
			}
			if err := emit(&models.Page{Records: records, NextCursor: next}); err != nil {
				return err
			}
			pages++
			if s.failAfter > 0 && pages >= s.failAfter {
				return errors.New(errors.ErrorTypeConnection, "injected failure")
			}
		}

		if start >= s.total {
			return emit(&models.Page{})
		}
		return nil
	})
}

// prefetchSource adds the archive download capability.
type prefetchSource struct {
	*scriptedSource
	dir string
}

func (p *prefetchSource) DownloadArchives(ctx context.Context) ([]string, error) {
	path := filepath.Join(p.dir, "archive.bin")
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte("archive"), 0o644); err != nil {
		return nil, err
	}
	return []string{path}, nil
}

func (p *prefetchSource) DownloadDir() string { return p.dir }

func jobConfig(dir string, sources ...config.SourceDefinition) *config.JobConfig {
	compress := false
	return &config.JobConfig{
		OutputDir:      filepath.Join(dir, "out"),
		CheckpointDir:  filepath.Join(dir, "checkpoints"),
		BatchSize:      2,
		Concurrency:    2,
		CompressOutput: &compress,
		Sources:        sources,
	}
}

func batchFiles(t *testing.T, dir, source string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "out", source, "*.jsonl"))
	require.NoError(t, err)
	return matches
}

func TestRunIngestWritesBatchesAndCheckpoints(t *testing.T) {
	dir := t.TempDir()
	cfg := jobConfig(dir,
		config.SourceDefinition{Type: "scripted", Name: "alpha", Options: map[string]any{"records": 5}},
		config.SourceDefinition{Type: "scripted", Name: "beta", Options: map[string]any{"records": 2}},
	)

	runner := NewRunner(cfg, testutil.Logger(t))
	require.NoError(t, runner.Run(context.Background(), ModeIngest))

	assert.Len(t, batchFiles(t, dir, "alpha"), 3)
	assert.Len(t, batchFiles(t, dir, "beta"), 1)

	store := checkpoint.NewStore(filepath.Join(dir, "checkpoints", "ingestion-parse"))
	cp, err := store.Load("alpha")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Completed)
	assert.Equal(t, 3, cp.BatchIndex)

	// The report is written at the output root.
	report, err := os.ReadFile(filepath.Join(dir, "out", ReportFilename))
	require.NoError(t, err)
	assert.Contains(t, string(report), "## alpha")
	assert.Contains(t, string(report), "## beta")
}

func TestRunIngestCompletedSourceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := jobConfig(dir,
		config.SourceDefinition{Type: "scripted", Name: "alpha", Options: map[string]any{"records": 4}},
	)

	runner := NewRunner(cfg, testutil.Logger(t))
	require.NoError(t, runner.Run(context.Background(), ModeIngest))
	first := batchFiles(t, dir, "alpha")

	require.NoError(t, runner.Run(context.Background(), ModeIngest))
	second := batchFiles(t, dir, "alpha")

	assert.Equal(t, first, second)
}

func TestRunResumesAfterFailureWithoutDuplicates(t *testing.T) {
	dir := t.TempDir()
	failing := jobConfig(dir,
		config.SourceDefinition{Type: "scripted", Name: "alpha",
			Options: map[string]any{"records": 6, "fail_after": 1}},
	)

	runner := NewRunner(failing, testutil.Logger(t))
	err := runner.Run(context.Background(), ModeIngest)
	require.Error(t, err)

	// One batch persisted before the failure; checkpoint points past it.
	require.Len(t, batchFiles(t, dir, "alpha"), 1)
	store := checkpoint.NewStore(filepath.Join(dir, "checkpoints", "ingestion-parse"))
	cp, err := store.Load("alpha")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.False(t, cp.Completed)
	assert.Equal(t, 1, cp.BatchIndex)
	offset, _ := cp.Cursor.Int("offset")
	assert.Equal(t, 2, offset)

	healthy := jobConfig(dir,
		config.SourceDefinition{Type: "scripted", Name: "alpha",
			Options: map[string]any{"records": 6}},
	)
	require.NoError(t, NewRunner(healthy, testutil.Logger(t)).Run(context.Background(), ModeIngest))

	files := batchFiles(t, dir, "alpha")
	require.Len(t, files, 3)
	assert.Contains(t, files[0], "alpha-batch-000001.jsonl")
	assert.Contains(t, files[2], "alpha-batch-000003.jsonl")

	cp, err = store.Load("alpha")
	require.NoError(t, err)
	assert.True(t, cp.Completed)
	assert.Equal(t, 3, cp.BatchIndex)
}

func TestRunFailingSourceDoesNotBlockSiblings(t *testing.T) {
	dir := t.TempDir()
	cfg := jobConfig(dir,
		config.SourceDefinition{Type: "scripted", Name: "bad",
			Options: map[string]any{"records": 6, "fail_after": 1}},
		config.SourceDefinition{Type: "scripted", Name: "good",
			Options: map[string]any{"records": 3}},
	)

	err := NewRunner(cfg, testutil.Logger(t)).Run(context.Background(), ModeIngest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	// The healthy sibling ran to completion.
	assert.Len(t, batchFiles(t, dir, "good"), 2)
	store := checkpoint.NewStore(filepath.Join(dir, "checkpoints", "ingestion-parse"))
	cp, err := store.Load("good")
	require.NoError(t, err)
	assert.True(t, cp.Completed)

	// The report covers the sources that finished.
	report, err := os.ReadFile(filepath.Join(dir, "out", ReportFilename))
	require.NoError(t, err)
	assert.Contains(t, string(report), "## good")
}

func TestRunEmptySourceCompletesWithoutArtifacts(t *testing.T) {
	dir := t.TempDir()
	cfg := jobConfig(dir,
		config.SourceDefinition{Type: "scripted", Name: "empty", Options: map[string]any{"records": 0}},
	)

	require.NoError(t, NewRunner(cfg, testutil.Logger(t)).Run(context.Background(), ModeIngest))

	assert.Empty(t, batchFiles(t, dir, "empty"))
	store := checkpoint.NewStore(filepath.Join(dir, "checkpoints", "ingestion-parse"))
	cp, err := store.Load("empty")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Completed)
	assert.Equal(t, 0, cp.BatchIndex)
}

func TestRunDownloadModePrefetches(t *testing.T) {
	dir := t.TempDir()
	downloadDir := filepath.Join(dir, "archives")
	cfg := jobConfig(dir,
		config.SourceDefinition{Type: "scripted-prefetch", Name: "bulky",
			Options: map[string]any{"records": 4, "download_dir": downloadDir}},
	)

	require.NoError(t, NewRunner(cfg, testutil.Logger(t)).Run(context.Background(), ModeDownload))

	// Archives were fetched, no batches were parsed.
	_, err := os.Stat(filepath.Join(downloadDir, "archive.bin"))
	require.NoError(t, err)
	assert.Empty(t, batchFiles(t, dir, "bulky"))

	store := checkpoint.NewStore(filepath.Join(dir, "checkpoints", "ingestion-download"))
	cp, err := store.Load("bulky")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Completed)
	assert.Equal(t, 0, cp.BatchIndex)

	// Parse-phase progress is untouched.
	parseStore := checkpoint.NewStore(filepath.Join(dir, "checkpoints", "ingestion-parse"))
	cp, err = parseStore.Load("bulky")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRunDownloadModeSkipsCompletedPrefetch(t *testing.T) {
	dir := t.TempDir()
	downloadDir := filepath.Join(dir, "archives")
	cfg := jobConfig(dir,
		config.SourceDefinition{Type: "scripted-prefetch", Name: "bulky",
			Options: map[string]any{"records": 4, "download_dir": downloadDir}},
	)

	runner := NewRunner(cfg, testutil.Logger(t))
	require.NoError(t, runner.Run(context.Background(), ModeDownload))
	require.NoError(t, os.Remove(filepath.Join(downloadDir, "archive.bin")))

	require.NoError(t, runner.Run(context.Background(), ModeDownload))

	// The completed checkpoint short-circuits the second download.
	_, err := os.Stat(filepath.Join(downloadDir, "archive.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunDownloadModeFallsBackToFetchForPlainSources(t *testing.T) {
	dir := t.TempDir()
	cfg := jobConfig(dir,
		config.SourceDefinition{Type: "scripted", Name: "api", Options: map[string]any{"records": 2}},
	)

	require.NoError(t, NewRunner(cfg, testutil.Logger(t)).Run(context.Background(), ModeDownload))

	// No prefetch capability: the runner falls back to the page loop.
	assert.Len(t, batchFiles(t, dir, "api"), 1)
	store := checkpoint.NewStore(filepath.Join(dir, "checkpoints", "ingestion-download"))
	cp, err := store.Load("api")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Completed)
}

func TestRunUnknownSourceTypeFails(t *testing.T) {
	dir := t.TempDir()
	cfg := jobConfig(dir,
		config.SourceDefinition{Type: "no-such-type", Name: "x"},
	)

	err := NewRunner(cfg, testutil.Logger(t)).Run(context.Background(), ModeIngest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-type")
}

func TestModeCheckpointScopes(t *testing.T) {
	assert.Equal(t, "ingestion-download", ModeDownload.CheckpointScope())
	assert.Equal(t, "ingestion-parse", ModeIngest.CheckpointScope())
}
