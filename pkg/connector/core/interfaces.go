// Package core defines the connector protocol: every data source, whatever
// its remote shape, is exposed to the orchestrator as a lazy stream of
// cursor-carrying pages.
package core

import (
	"context"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/openmoleculedata/molingest/pkg/checkpoint"
	"github.com/openmoleculedata/molingest/pkg/clients"
	"github.com/openmoleculedata/molingest/pkg/errors"
	"github.com/openmoleculedata/molingest/pkg/models"
)

// Source is the interface all ingestion connectors implement.
//
// FetchPages yields pages until the source is exhausted or fails. The
// sequence is restartable only by constructing a new connector against the
// same checkpoint store. A connector whose checkpoint is already completed
// yields an empty stream without any network or file activity.
type Source interface {
	// Name returns the unique source name within the job.
	Name() string

	// FetchPages starts the page producer. The returned stream's Pages
	// channel closes on exhaustion, failure, or context cancellation;
	// a failure is then available on Errors.
	FetchPages(ctx context.Context) *PageStream

	// Close releases held connections and handles. Calling Close more
	// than once is safe.
	Close() error
}

// ArchivePrefetcher is the optional capability of sources backed by
// downloadable archives: the download phase can run separately from
// parsing. Checked with a type assertion, never reflection.
type ArchivePrefetcher interface {
	// DownloadArchives ensures every referenced archive is present
	// locally and returns the paths that were verified or fetched.
	// Entries that fail to download or verify are logged and skipped,
	// not retried within the run.
	DownloadArchives(ctx context.Context) ([]string, error)

	// DownloadDir returns the local archive cache directory.
	DownloadDir() string
}

// PageStream carries pages from a connector to the orchestrator. Pages is
// closed by the producer; a terminal error, if any, is buffered on Errors.
type PageStream struct {
	Pages  <-chan *models.Page
	Errors <-chan error
}

// Err returns the terminal error after Pages has been drained, or nil.
func (s *PageStream) Err() error {
	select {
	case err := <-s.Errors:
		return err
	default:
		return nil
	}
}

// Produce runs fn in a goroutine and wires its emissions into a PageStream.
// The emit callback blocks until the consumer accepts the page or ctx is
// cancelled. fn's returned error, if any, terminates the stream.
func Produce(ctx context.Context, fn func(ctx context.Context, emit func(*models.Page) error) error) *PageStream {
	pages := make(chan *models.Page)
	errs := make(chan error, 1)

	emit := func(p *models.Page) error {
		select {
		case pages <- p:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go func() {
		defer close(pages)
		if err := fn(ctx, emit); err != nil {
			errs <- err
		}
	}()

	return &PageStream{Pages: pages, Errors: errs}
}

// EmptyStream returns an already-exhausted stream, used by connectors whose
// checkpoint is completed.
func EmptyStream() *PageStream {
	pages := make(chan *models.Page)
	close(pages)
	return &PageStream{Pages: pages, Errors: make(chan error, 1)}
}

// SourceConfig is the construction-time environment handed to a connector
// factory: the job-level knobs plus the shared infrastructure a connector
// needs. Dependencies are injected here so tests can substitute fakes.
type SourceConfig struct {
	// Name is the unique source name within the job.
	Name string
	// Options holds the source-specific configuration block, decoded by
	// the connector with DecodeOptions.
	Options map[string]any
	// BatchSize is the fixed page size for this source's run.
	BatchSize int
	// Checkpoints is the per-scope checkpoint store.
	Checkpoints *checkpoint.Store
	// Logger is the parent logger; connectors derive component loggers.
	Logger *zap.Logger
	// Transfer executes retry-wrapped HTTP requests. Nil lets the
	// connector build a default client.
	Transfer *clients.TransferClient
	// Runner overrides the external download command execution, used by
	// tests to avoid invoking aria2c.
	Runner clients.CommandRunner
}

// DecodeOptions maps a source definition's options block onto a typed
// connector config via a YAML round trip, so option structs reuse the same
// yaml tags as the job file.
func DecodeOptions(options map[string]any, out any) error {
	data, err := yaml.Marshal(options)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "encode source options")
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "decode source options")
	}
	return nil
}
