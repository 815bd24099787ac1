// Package chemspider ingests molecules from the ChemSpider REST API, a
// token-paginated JSON endpoint. The connector is generic over the payload
// shape: record and cursor locations are configurable JSON paths, with
// defaults matching the ChemSpider filter API.
package chemspider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/openmoleculedata/molingest/pkg/checkpoint"
	"github.com/openmoleculedata/molingest/pkg/clients"
	"github.com/openmoleculedata/molingest/pkg/connector/core"
	"github.com/openmoleculedata/molingest/pkg/connector/registry"
	"github.com/openmoleculedata/molingest/pkg/errors"
	"github.com/openmoleculedata/molingest/pkg/models"
)

// Options configures the paginated HTTP connector.
type Options struct {
	BaseURL  string `yaml:"base_url"`
	Endpoint string `yaml:"endpoint"`
	// BatchParam is the query parameter carrying the page size; empty
	// disables it.
	BatchParam string `yaml:"batch_param"`
	// CursorParam names the query parameter a scalar continuation value is
	// sent back under.
	CursorParam string `yaml:"cursor_param"`
	// Params are fixed query parameters sent with every request.
	Params map[string]string `yaml:"params"`
	// Headers are sent with every request, typically the API key.
	Headers map[string]string `yaml:"headers"`
	// StartCursor seeds the first request of a fresh run.
	StartCursor map[string]any `yaml:"start_cursor"`
	// RecordsPath locates the record array inside the response payload.
	RecordsPath []string `yaml:"records_path"`
	// NextCursorPath locates the continuation value; a null or absent
	// value means the source is exhausted.
	NextCursorPath []string `yaml:"next_cursor_path"`
	IDField        string   `yaml:"id_field"`
	SMILESField    string   `yaml:"smiles_field"`
	// MetadataFields restricts retained metadata; empty keeps every field
	// except identifier and SMILES.
	MetadataFields []string `yaml:"metadata_fields"`
}

func defaultOptions() Options {
	return Options{
		BaseURL:        "https://api.rsc.org",
		Endpoint:       "compounds/v1/filter/smiles",
		BatchParam:     "count",
		CursorParam:    "token",
		RecordsPath:    []string{"results"},
		NextCursorPath: []string{"next"},
		IDField:        "csid",
		SMILESField:    "smiles",
		MetadataFields: []string{"inchi_key", "formula"},
	}
}

// Source pages through a cursor-paginated JSON API.
type Source struct {
	name        string
	batchSize   int
	opts        Options
	checkpoints *checkpoint.Store
	client      *clients.TransferClient
	ownsClient  bool
	logger      *zap.Logger
}

func init() {
	registry.RegisterSource("chemspider", NewSource)
}

// NewSource builds a ChemSpider connector from a source definition.
func NewSource(cfg *core.SourceConfig) (core.Source, error) {
	opts := defaultOptions()
	if err := core.DecodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}
	return New(cfg, opts)
}

// New builds the connector against explicit options.
func New(cfg *core.SourceConfig, opts Options) (*Source, error) {
	if opts.BaseURL == "" || opts.Endpoint == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "source %s: base_url and endpoint are required", cfg.Name)
	}

	logger := cfg.Logger.With(zap.String("source", cfg.Name))

	client := cfg.Transfer
	ownsClient := false
	if client == nil {
		client = clients.NewTransferClient(clients.DefaultTransferConfig(), logger)
		ownsClient = true
	}

	return &Source{
		name:        cfg.Name,
		batchSize:   cfg.BatchSize,
		opts:        opts,
		checkpoints: cfg.Checkpoints,
		client:      client,
		ownsClient:  ownsClient,
		logger:      logger,
	}, nil
}

// Name returns the source name.
func (s *Source) Name() string { return s.name }

// Close releases the HTTP client if this connector created it.
func (s *Source) Close() error {
	if s.ownsClient && s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}

// FetchPages requests pages until the API stops returning a continuation
// value. Every page carries the cursor needed to request its successor, so
// a checkpointed cursor resumes the pagination exactly.
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
		switch {
		case cp != nil:
			cursor = cp.Cursor.Clone()
		case len(s.opts.StartCursor) > 0:
			cursor = models.Cursor(s.opts.StartCursor).Clone()
		default:
			cursor = models.Cursor{}
		}

		for {
			payload, err := s.requestPage(ctx, cursor)
			if err != nil {
				return err
			}

			records := s.parseRecords(payload)
			next := s.nextCursor(payload)

			s.logger.Debug("fetched page",
				zap.Int("records", len(records)),
				zap.Any("next_cursor", next))

			if err := emit(&models.Page{Records: records, NextCursor: next}); err != nil {
				return err
			}
			if next == nil {
				return nil
			}
			cursor = next
		}
	})
}

// requestPage issues one GET with the cursor merged into the fixed query
// parameters.
func (s *Source) requestPage(ctx context.Context, cursor models.Cursor) (map[string]any, error) {
	params := url.Values{}
	for k, v := range s.opts.Params {
		params.Set(k, v)
	}
	for k, v := range cursor {
		params.Set(k, stringify(v))
	}
	if s.opts.BatchParam != "" {
		params.Set(s.opts.BatchParam, fmt.Sprintf("%d", s.batchSize))
	}

	endpoint := strings.TrimRight(s.opts.BaseURL, "/") + "/" + strings.TrimLeft(s.opts.Endpoint, "/")

	var payload map[string]any
	if err := s.client.GetJSON(ctx, endpoint, params, s.opts.Headers, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// parseRecords extracts the record array and maps each item onto a Record.
func (s *Source) parseRecords(payload map[string]any) []models.Record {
	raw, _ := extractPath(payload, s.opts.RecordsPath).([]any)
	records := make([]models.Record, 0, len(raw))
	for _, item := range raw {
		fields, ok := item.(map[string]any)
		if !ok {
			continue
		}

		metadata := make(map[string]string)
		keys := s.opts.MetadataFields
		if len(keys) == 0 {
			keys = make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
		}
		for _, key := range keys {
			if key == s.opts.IDField || key == s.opts.SMILESField {
				continue
			}
			if v, ok := fields[key]; ok && v != nil {
				metadata[key] = stringify(v)
			}
		}

		records = append(records, models.Record{
			Source:     s.name,
			Identifier: stringify(fields[s.opts.IDField]),
			SMILES:     stringify(fields[s.opts.SMILESField]),
			Metadata:   metadata,
		})
	}
	return records
}

// nextCursor reads the continuation value out of the payload. A map is used
// as-is; a scalar is wrapped under the cursor parameter; null means
// exhaustion.
func (s *Source) nextCursor(payload map[string]any) models.Cursor {
	value := extractPath(payload, s.opts.NextCursorPath)
	if value == nil {
		return nil
	}
	if m, ok := value.(map[string]any); ok {
		return models.Cursor(m).Clone()
	}
	if s.opts.CursorParam != "" {
		return models.Cursor{s.opts.CursorParam: value}
	}
	return nil
}

// extractPath walks nested JSON objects by key, returning nil when any step
// is absent or not an object.
func extractPath(payload any, path []string) any {
	current := payload
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[key]
	}
	return current
}

// stringify renders a JSON scalar the way it appeared on the wire, without
// a float exponent for integral numbers.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
