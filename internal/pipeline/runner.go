// Package pipeline orchestrates ingestion jobs: it builds connectors from
// the job definition, runs them under a bounded worker pool, persists batch
// artifacts and checkpoints, and writes the run report.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/openmoleculedata/molingest/pkg/checkpoint"
	"github.com/openmoleculedata/molingest/pkg/clients"
	"github.com/openmoleculedata/molingest/pkg/config"
	"github.com/openmoleculedata/molingest/pkg/connector/core"
	"github.com/openmoleculedata/molingest/pkg/connector/registry"
	"github.com/openmoleculedata/molingest/pkg/errors"
	"github.com/openmoleculedata/molingest/pkg/models"
	"github.com/openmoleculedata/molingest/pkg/writer"
)

// Mode selects which phase of a job runs.
type Mode string

const (
	// ModeDownload pre-fetches raw archives for capable sources.
	ModeDownload Mode = "download"
	// ModeIngest parses sources into batch artifacts.
	ModeIngest Mode = "ingest"
)

// CheckpointScope returns the checkpoint subdirectory for the mode, keeping
// download and parse progress independent.
func (m Mode) CheckpointScope() string {
	if m == ModeDownload {
		return "ingestion-download"
	}
	return "ingestion-parse"
}

// Runner executes an ingestion job.
type Runner struct {
	cfg    *config.JobConfig
	logger *zap.Logger

	// CommandRunner overrides external download command execution; tests
	// inject a fake to avoid invoking aria2c.
	CommandRunner clients.CommandRunner
	// Transfer overrides the HTTP client shared by API-backed sources.
	Transfer *clients.TransferClient
}

// NewRunner creates a job runner.
func NewRunner(cfg *config.JobConfig, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger}
}

// Run executes every configured source under the job's concurrency limit.
// A failing source does not cancel its siblings; their failures are
// aggregated into the returned error. The run report is written regardless.
func (r *Runner) Run(ctx context.Context, mode Mode) error {
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create output directory")
	}
	if err := os.MkdirAll(r.cfg.CheckpointDir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create checkpoint directory")
	}

	store := checkpoint.NewStore(filepath.Join(r.cfg.CheckpointDir, mode.CheckpointScope()))
	w, err := writer.NewNDJSONWriter(r.cfg.OutputDir, r.cfg.Compress(), r.logger)
	if err != nil {
		return err
	}

	var (
		mu        sync.Mutex
		summaries []SourceSummary
		runErr    error
	)

	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, def := range r.cfg.Sources {
		def := def
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			summary, err := r.runSource(ctx, def, store, w, mode)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Error("source failed",
					zap.String("source", def.Name),
					zap.Error(err))
				runErr = multierr.Append(runErr, errors.Wrap(err, errors.ErrorTypeInternal, "source "+def.Name))
				return
			}
			r.logger.Info("source completed", zap.String("source", def.Name))
			summaries = append(summaries, summary)
		}()
	}
	wg.Wait()

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	if err := WriteReport(r.cfg.OutputDir, summaries); err != nil {
		runErr = multierr.Append(runErr, err)
	}
	return runErr
}

// runSource executes one source end to end and returns its summary.
func (r *Runner) runSource(ctx context.Context, def config.SourceDefinition, store *checkpoint.Store, w *writer.NDJSONWriter, mode Mode) (SourceSummary, error) {
	summary := SourceSummary{Name: def.Name, Type: def.Type}

	src, err := registry.CreateSource(def.Type, &core.SourceConfig{
		Name:        def.Name,
		Options:     def.Options,
		BatchSize:   r.cfg.BatchSize,
		Checkpoints: store,
		Logger:      r.logger,
		Transfer:    r.Transfer,
		Runner:      r.CommandRunner,
	})
	if err != nil {
		return summary, err
	}
	defer src.Close()

	cp, err := store.Load(def.Name)
	if err != nil {
		return summary, err
	}
	startBatch := 0
	if cp != nil {
		startBatch = cp.BatchIndex
	}

	prefetcher, canPrefetch := src.(core.ArchivePrefetcher)

	if mode == ModeDownload && canPrefetch {
		if cp != nil && cp.Completed {
			r.logger.Info("download already completed",
				zap.String("source", def.Name))
		} else {
			files, err := prefetcher.DownloadArchives(ctx)
			if err != nil {
				return summary, err
			}
			r.logger.Info("download complete",
				zap.String("source", def.Name),
				zap.Int("files", len(files)))
			err = store.Save(def.Name, &checkpoint.Checkpoint{
				Cursor:     models.Cursor{},
				BatchIndex: 0,
				Completed:  true,
			})
			if err != nil {
				return summary, err
			}
		}
	} else {
		if mode == ModeDownload && !canPrefetch {
			r.logger.Warn("download unsupported, running full fetch",
				zap.String("source", def.Name))
		}

		stream := src.FetchPages(ctx)
		for page := range stream.Pages {
			if err := r.persistPage(store, w, def.Name, startBatch, page); err != nil {
				return summary, err
			}
			if len(page.Records) > 0 {
				startBatch++
				summary.BatchesWritten++
				summary.RecordsWritten += len(page.Records)
			}
		}
		if err := stream.Err(); err != nil {
			return summary, err
		}
	}

	final, err := store.Load(def.Name)
	if err != nil {
		return summary, err
	}
	if final != nil {
		summary.TotalBatches = final.BatchIndex
		summary.Completed = final.Completed
	} else {
		summary.TotalBatches = startBatch
		summary.Completed = mode == ModeDownload
	}

	summary.Output = summarizeOutputDir(filepath.Join(w.BaseDir(), def.Name))
	if canPrefetch {
		downloads := summarizeDownloadDir(prefetcher.DownloadDir())
		summary.Downloads = &downloads
	}
	return summary, nil
}

// persistPage stores one page's records and checkpoint. Empty pages advance
// only the checkpoint; a page without a next cursor marks the source
// completed. The checkpoint is written after the batch so a crash between
// the two replays the batch rather than losing it.
func (r *Runner) persistPage(store *checkpoint.Store, w *writer.NDJSONWriter, source string, startBatch int, page *models.Page) error {
	cursor := page.NextCursor
	if cursor == nil {
		cursor = models.Cursor{}
	}

	if len(page.Records) == 0 {
		return store.Save(source, &checkpoint.Checkpoint{
			Cursor:     cursor,
			BatchIndex: startBatch,
			Completed:  page.NextCursor == nil,
		})
	}

	batchIndex := startBatch + 1
	if _, err := w.WriteBatch(source, batchIndex, page.Records); err != nil {
		return err
	}
	return store.Save(source, &checkpoint.Checkpoint{
		Cursor:     cursor,
		BatchIndex: batchIndex,
		Completed:  page.NextCursor == nil,
	})
}
