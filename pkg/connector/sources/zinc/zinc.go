// Package zinc ingests ZINC tranche files: a URI manifest names plain-text
// (optionally gzipped) tranches of SMILES<TAB>identifier lines, mirrored
// locally under the download directory using each URL's path.
package zinc

import (
	"bufio"
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/openmoleculedata/molingest/pkg/checkpoint"
	"github.com/openmoleculedata/molingest/pkg/clients"
	"github.com/openmoleculedata/molingest/pkg/compression"
	"github.com/openmoleculedata/molingest/pkg/connector/base"
	"github.com/openmoleculedata/molingest/pkg/connector/core"
	"github.com/openmoleculedata/molingest/pkg/connector/registry"
	"github.com/openmoleculedata/molingest/pkg/errors"
	"github.com/openmoleculedata/molingest/pkg/models"
)

const (
	cursorEntryIndex = "entry_index"
	cursorEntryName  = "entry_name"
	cursorLineOffset = "line_offset"
)

// Options configures the ZINC tranche connector.
type Options struct {
	// URIFile is the tranche manifest, one URL per line.
	URIFile string `yaml:"uri_file"`
	// DownloadDir is the local mirror root; defaults to the manifest's
	// directory.
	DownloadDir string `yaml:"download_dir"`
	// DownloadMissing fetches tranches that are not mirrored locally.
	// When false, a missing tranche fails the run.
	DownloadMissing bool `yaml:"download_missing"`
	// Username and Password authenticate tranche downloads.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Aria2 tunes the external download tool.
	Aria2 clients.Aria2Options `yaml:"aria2_options"`
}

// Entry is one tranche: its URL and the relative mirror path derived from
// the URL's path components.
type Entry struct {
	URL          string
	RelativePath string
}

// Source streams ZINC tranches as pages of records.
type Source struct {
	name        string
	batchSize   int
	opts        Options
	entries     []Entry
	checkpoints *checkpoint.Store
	downloader  *clients.Aria2Downloader
	logger      *zap.Logger
}

func init() {
	registry.RegisterSource("zinc", NewSource)
}

// NewSource builds a ZINC connector from a source definition.
func NewSource(cfg *core.SourceConfig) (core.Source, error) {
	var opts Options
	if err := core.DecodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}
	return New(cfg, opts)
}

// New builds a ZINC connector. The manifest is parsed eagerly so a missing
// or empty manifest fails at setup time.
func New(cfg *core.SourceConfig, opts Options) (*Source, error) {
	if opts.URIFile == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "source %s: uri_file is required", cfg.Name)
	}

	entries, err := ParseURIFile(opts.URIFile)
	if err != nil {
		return nil, err
	}

	if opts.DownloadDir == "" {
		if abs, err := filepath.Abs(opts.URIFile); err == nil {
			opts.DownloadDir = filepath.Dir(abs)
		} else {
			opts.DownloadDir = filepath.Dir(opts.URIFile)
		}
	}

	logger := cfg.Logger.With(zap.String("source", cfg.Name))

	return &Source{
		name:        cfg.Name,
		batchSize:   cfg.BatchSize,
		opts:        opts,
		entries:     entries,
		checkpoints: cfg.Checkpoints,
		downloader:  clients.NewAria2Downloader(opts.Aria2, cfg.Runner, logger),
		logger:      logger,
	}, nil
}

// ParseURIFile reads the tranche manifest. Blank lines and '#' comments are
// ignored; an unreadable or empty manifest is a configuration error.
func ParseURIFile(manifest string) ([]Entry, error) {
	data, err := os.ReadFile(manifest)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "read uri file "+manifest)
	}

	var entries []Entry
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rel, err := relativePath(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{URL: line, RelativePath: rel})
	}

	if len(entries) == 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no tranche URLs found in %s", manifest)
	}
	return entries, nil
}

// relativePath maps a tranche URL onto its mirror path, preserving the
// URL's directory structure.
func relativePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "parse tranche URL "+rawURL)
	}
	trimmed := strings.Trim(path.Clean(u.Path), "/")
	if trimmed == "" || trimmed == "." {
		return "", errors.Newf(errors.ErrorTypeConfig, "unable to determine tranche path for URL %q", rawURL)
	}
	return filepath.FromSlash(trimmed), nil
}

// Name returns the source name.
func (s *Source) Name() string { return s.name }

// DownloadDir returns the tranche mirror root.
func (s *Source) DownloadDir() string { return s.opts.DownloadDir }

// Close releases nothing for file-backed sources; safe to call repeatedly.
func (s *Source) Close() error { return nil }

// DownloadArchives mirrors every tranche locally. Tranches that fail to
// download are logged and skipped.
func (s *Source) DownloadArchives(ctx context.Context) ([]string, error) {
	var downloaded []string
	for _, entry := range s.entries {
		target := filepath.Join(s.opts.DownloadDir, entry.RelativePath)
		if err := s.download(ctx, entry, target); err != nil {
			if ctx.Err() != nil {
				return downloaded, err
			}
			s.logger.Warn("skipping tranche",
				zap.String("url", entry.URL),
				zap.Error(err))
			continue
		}
		downloaded = append(downloaded, target)
	}
	return downloaded, nil
}

func (s *Source) download(ctx context.Context, entry Entry, target string) error {
	return s.downloader.Download(ctx, clients.DownloadRequest{
		URL:          entry.URL,
		OutputPath:   target,
		Username:     s.opts.Username,
		Password:     s.opts.Password,
		SkipExisting: true,
	})
}

// ensureTranche returns the local path of a tranche, downloading it when
// permitted. A missing tranche with downloads disabled is a file error.
func (s *Source) ensureTranche(ctx context.Context, entry Entry) (string, error) {
	target := filepath.Join(s.opts.DownloadDir, entry.RelativePath)
	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		return target, nil
	}
	if !s.opts.DownloadMissing {
		return "", errors.Newf(errors.ErrorTypeFile, "tranche %s not found at %s and download_missing is disabled", entry.URL, target)
	}
	if err := s.download(ctx, entry, target); err != nil {
		return "", err
	}
	return target, nil
}

// FetchPages streams batch-sized pages across the tranche sequence,
// resuming exactly at the checkpointed (tranche, line) position.
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
		resume, err := base.ParseEntryCursor(cursor, cursorEntryIndex, cursorLineOffset)
		if err != nil {
			return err
		}
		if len(s.entries) > 0 && resume.Entry >= len(s.entries) {
			return errors.Newf(errors.ErrorTypeCheckpoint,
				"resume tranche index %d exceeds tranche count %d", resume.Entry, len(s.entries))
		}

		pager := base.NewEntryPager(len(s.entries), s.batchSize, resume, s.cursorFor, emit)

		for i := resume.Entry; i < len(s.entries); i++ {
			count, err := s.consumeTranche(ctx, pager, i)
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

// consumeTranche streams one tranche's lines through the pager and returns
// its record count.
func (s *Source) consumeTranche(ctx context.Context, pager *base.EntryPager, index int) (int, error) {
	entry := s.entries[index]
	skip := pager.BeginEntry(index)

	tranche, err := s.ensureTranche(ctx, entry)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(tranche)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "open tranche "+tranche)
	}
	defer f.Close()

	reader, err := compression.NewReader(f, compression.ByExtension(tranche))
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	count := 0
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		count++
		if count <= skip {
			continue
		}
		if err := pager.Add(s.buildRecord(line)); err != nil {
			return count, err
		}
	}
	if err := scanner.Err(); err != nil {
		return count, errors.Wrap(err, errors.ErrorTypeData, "read tranche "+tranche)
	}
	return count, nil
}

// buildRecord parses one SMILES<TAB>identifier line. Lines with a single
// column yield a record without an identifier.
func (s *Source) buildRecord(line string) models.Record {
	smiles := line
	identifier := ""
	if i := strings.IndexByte(line, '\t'); i >= 0 {
		smiles = strings.TrimSpace(line[:i])
		identifier = strings.TrimSpace(line[i+1:])
		if j := strings.IndexByte(identifier, '\t'); j >= 0 {
			identifier = strings.TrimSpace(identifier[:j])
		}
	}
	return models.Record{
		Source:     s.name,
		Identifier: identifier,
		SMILES:     smiles,
		Metadata:   map[string]string{},
	}
}

// cursorFor renders a tranche position in the manifest vocabulary.
func (s *Source) cursorFor(c base.EntryCursor) models.Cursor {
	cur := models.Cursor{
		cursorEntryIndex: c.Entry,
		cursorLineOffset: c.Offset,
	}
	if c.Entry < len(s.entries) {
		cur[cursorEntryName] = s.entries[c.Entry].RelativePath
	}
	return cur
}
