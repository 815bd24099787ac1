// Package sdfbulk implements the shared engine for sources shaped as a link
// file of bulk SDF archives: each listed archive is downloaded through the
// aria2 backend and fully consumed, in order, before the next one begins.
// Concrete sources (PubChem, ChEMBL) supply tag mappings and an optional
// checksum resolver.
package sdfbulk

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/openmoleculedata/molingest/pkg/checkpoint"
	"github.com/openmoleculedata/molingest/pkg/clients"
	"github.com/openmoleculedata/molingest/pkg/connector/base"
	"github.com/openmoleculedata/molingest/pkg/connector/core"
	"github.com/openmoleculedata/molingest/pkg/errors"
	"github.com/openmoleculedata/molingest/pkg/models"
	"github.com/openmoleculedata/molingest/pkg/sdf"
)

// Cursor key vocabulary for archive-sequence sources.
const (
	cursorFileIndex    = "file_index"
	cursorFileName     = "file_name"
	cursorRecordOffset = "record_offset"
)

// Options is the configuration block shared by bulk-SDF sources.
type Options struct {
	// LinkFile lists one archive URL per line; blank lines and lines
	// starting with '#' are ignored.
	LinkFile string `yaml:"link_file"`
	// DownloadDir is the archive cache; defaults to the link file's
	// directory.
	DownloadDir string `yaml:"download_dir"`
	// IdentifierTag names the SDF property holding the record identifier.
	IdentifierTag string `yaml:"identifier_tag"`
	// SMILESTag names the SDF property holding the SMILES payload.
	SMILESTag string `yaml:"smiles_tag"`
	// MetadataTags, when set, restricts which properties are retained as
	// metadata. Empty means all properties except identifier and SMILES.
	MetadataTags []string `yaml:"metadata_tags"`
	// Aria2 tunes the external download tool.
	Aria2 clients.Aria2Options `yaml:"aria2_options"`
}

// Entry is one archive referenced by the link file.
type Entry struct {
	Filename string
	URL      string
}

// ChecksumFunc resolves the integrity checksum for an entry, or (nil, nil)
// when none is available. A non-nil checksum forces aria2 re-verification
// even for already-present files.
type ChecksumFunc func(ctx context.Context, entry Entry) (*clients.Checksum, error)

// Source is the bulk-SDF connector engine.
type Source struct {
	name        string
	batchSize   int
	opts        Options
	entries     []Entry
	checkpoints *checkpoint.Store
	downloader  *clients.Aria2Downloader
	checksum    ChecksumFunc
	logger      *zap.Logger
}

// New builds a bulk-SDF source. The link file is parsed eagerly so a
// missing or empty manifest fails at setup time, before any network I/O.
func New(cfg *core.SourceConfig, opts Options, checksum ChecksumFunc) (*Source, error) {
	if opts.LinkFile == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "source %s: link_file is required", cfg.Name)
	}

	entries, err := ParseLinkFile(opts.LinkFile)
	if err != nil {
		return nil, err
	}

	if opts.DownloadDir == "" {
		opts.DownloadDir = DefaultDownloadDir(opts.LinkFile)
	}

	aria2 := opts.Aria2
	defaults := clients.DefaultAria2Options()
	if aria2.Connections == 0 {
		aria2.Connections = defaults.Connections
	}
	if aria2.Split == 0 {
		aria2.Split = defaults.Split
	}
	if aria2.MinSplitSize == "" {
		aria2.MinSplitSize = defaults.MinSplitSize
	}
	if aria2.MaxTries == 0 {
		aria2.MaxTries = defaults.MaxTries
	}
	if aria2.RetryWait == 0 {
		aria2.RetryWait = defaults.RetryWait
	}

	logger := cfg.Logger.With(zap.String("source", cfg.Name))

	return &Source{
		name:        cfg.Name,
		batchSize:   cfg.BatchSize,
		opts:        opts,
		entries:     entries,
		checkpoints: cfg.Checkpoints,
		downloader:  clients.NewAria2Downloader(aria2, cfg.Runner, logger),
		checksum:    checksum,
		logger:      logger,
	}, nil
}

// DefaultDownloadDir is the archive cache location used when a source does
// not configure one: the directory holding the link file.
func DefaultDownloadDir(linkFile string) string {
	if abs, err := filepath.Abs(linkFile); err == nil {
		return filepath.Dir(abs)
	}
	return filepath.Dir(linkFile)
}

// ParseLinkFile reads the archive manifest. An unreadable or empty manifest
// is a configuration error.
func ParseLinkFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "read link file "+path)
	}

	var entries []Entry
	for _, raw := range strings.Split(strings.ToValidUTF8(string(data), "�"), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		filename := filepath.Base(strings.TrimSuffix(line, "/"))
		if filename == "" || filename == "." || filename == "/" {
			return nil, errors.Newf(errors.ErrorTypeConfig, "unable to determine filename for URL %q", line)
		}
		entries = append(entries, Entry{Filename: filename, URL: line})
	}

	if len(entries) == 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no download URLs found in %s", path)
	}
	return entries, nil
}

// Name returns the source name.
func (s *Source) Name() string { return s.name }

// DownloadDir returns the archive cache directory.
func (s *Source) DownloadDir() string { return s.opts.DownloadDir }

// Entries exposes the parsed manifest, in order.
func (s *Source) Entries() []Entry { return s.entries }

// Close releases nothing for file-backed sources; safe to call repeatedly.
func (s *Source) Close() error { return nil }

// DownloadArchives ensures every referenced archive is present locally.
// Entries that fail to download or verify are logged and skipped, not
// retried within this run.
func (s *Source) DownloadArchives(ctx context.Context) ([]string, error) {
	var downloaded []string
	for _, entry := range s.entries {
		path, err := s.ensureArchive(ctx, entry)
		if err != nil {
			if ctx.Err() != nil {
				return downloaded, err
			}
			s.logger.Warn("skipping archive",
				zap.String("url", entry.URL),
				zap.Error(err))
			continue
		}
		downloaded = append(downloaded, path)
	}
	return downloaded, nil
}

// ensureArchive makes one entry's archive available locally and returns its
// path.
func (s *Source) ensureArchive(ctx context.Context, entry Entry) (string, error) {
	target := filepath.Join(s.opts.DownloadDir, entry.Filename)

	var sum *clients.Checksum
	if s.checksum != nil {
		var err error
		sum, err = s.checksum(ctx, entry)
		if err != nil {
			return "", err
		}
	}

	err := s.downloader.Download(ctx, clients.DownloadRequest{
		URL:          entry.URL,
		OutputPath:   target,
		Checksum:     sum,
		SkipExisting: sum == nil,
	})
	if err != nil {
		return "", err
	}
	return target, nil
}

// FetchPages streams batch-sized pages of records across the archive
// sequence, resuming exactly at the checkpointed (file, record) position.
func (s *Source) FetchPages(ctx context.Context) *core.PageStream {
	return core.Produce(ctx, func(ctx context.Context, emit func(*models.Page) error) error {
		cp, err := s.checkpoints.Load(s.name)
		if err != nil {
			return err
		}
		if cp != nil && cp.Completed {
			s.logger.Info("skipping completed source")
			return nil
		}

		var cursor models.Cursor
		if cp != nil {
			cursor = cp.Cursor
		}
		resume, err := base.ParseEntryCursor(cursor, cursorFileIndex, cursorRecordOffset)
		if err != nil {
			return err
		}
		if len(s.entries) > 0 && resume.Entry >= len(s.entries) {
			return errors.Newf(errors.ErrorTypeCheckpoint,
				"resume file index %d exceeds archive count %d", resume.Entry, len(s.entries))
		}

		pager := base.NewEntryPager(len(s.entries), s.batchSize, resume, s.cursorFor, emit)

		for i := resume.Entry; i < len(s.entries); i++ {
			count, err := s.consumeEntry(ctx, pager, i)
			if err != nil {
				return err
			}
			if err := pager.FinishEntry(count); err != nil {
				return err
			}
		}
		return pager.Finish()
	})
}

// consumeEntry streams one archive through the pager and returns its total
// record count.
func (s *Source) consumeEntry(ctx context.Context, pager *base.EntryPager, index int) (int, error) {
	entry := s.entries[index]
	skip := pager.BeginEntry(index)

	archive, err := s.ensureArchive(ctx, entry)
	if err != nil {
		return 0, err
	}

	scanner, err := sdf.Open(archive)
	if err != nil {
		return 0, err
	}
	defer scanner.Close()

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		props, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, err
		}
		count++
		if count <= skip {
			continue
		}
		if err := pager.Add(s.buildRecord(props)); err != nil {
			return count, err
		}
	}
	return count, nil
}

// buildRecord maps one archive entry's SDF properties onto a Record.
// Empty metadata values are dropped.
func (s *Source) buildRecord(props map[string]string) models.Record {
	identifier := strings.TrimSpace(props[s.opts.IdentifierTag])
	smiles := strings.TrimSpace(props[s.opts.SMILESTag])

	metadata := make(map[string]string)
	if len(s.opts.MetadataTags) > 0 {
		for _, tag := range s.opts.MetadataTags {
			if v, ok := props[tag]; ok && v != "" && tag != s.opts.IdentifierTag && tag != s.opts.SMILESTag {
				metadata[tag] = v
			}
		}
	} else {
		for k, v := range props {
			if k == s.opts.IdentifierTag || k == s.opts.SMILESTag || v == "" {
				continue
			}
			metadata[k] = v
		}
	}

	return models.Record{
		Source:     s.name,
		Identifier: identifier,
		SMILES:     smiles,
		Metadata:   metadata,
	}
}

// cursorFor renders an entry position in the archive-sequence vocabulary.
func (s *Source) cursorFor(c base.EntryCursor) models.Cursor {
	cur := models.Cursor{
		cursorFileIndex:    c.Entry,
		cursorRecordOffset: c.Offset,
	}
	if c.Entry < len(s.entries) {
		cur[cursorFileName] = s.entries[c.Entry].Filename
	}
	return cur
}
