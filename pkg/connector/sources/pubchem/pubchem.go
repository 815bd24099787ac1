// Package pubchem ingests PubChem Compound bulk SDF archives. PubChem
// publishes an MD5 sidecar next to every archive, so downloads are always
// integrity-checked against it.
package pubchem

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmoleculedata/molingest/pkg/clients"
	"github.com/openmoleculedata/molingest/pkg/connector/core"
	"github.com/openmoleculedata/molingest/pkg/connector/registry"
	"github.com/openmoleculedata/molingest/pkg/connector/sources/sdfbulk"
	"github.com/openmoleculedata/molingest/pkg/errors"
)

const (
	defaultIdentifierTag = "PUBCHEM_COMPOUND_CID"
	defaultSMILESTag     = "PUBCHEM_OPENEYE_ISO_SMILES"

	checksumSuffix = ".md5"
)

// Options extends the bulk-SDF options with checksum control.
type Options struct {
	sdfbulk.Options `yaml:",inline"`
	// VerifyChecksums fetches the .md5 sidecar for every archive and has
	// aria2 verify against it. Defaults to true.
	VerifyChecksums *bool `yaml:"verify_checksums"`
}

func init() {
	registry.RegisterSource("pubchem", NewSource)
}

// NewSource builds a PubChem connector from a source definition.
func NewSource(cfg *core.SourceConfig) (core.Source, error) {
	var opts Options
	if err := core.DecodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}
	if opts.IdentifierTag == "" {
		opts.IdentifierTag = defaultIdentifierTag
	}
	if opts.SMILESTag == "" {
		opts.SMILESTag = defaultSMILESTag
	}
	if opts.DownloadDir == "" && opts.LinkFile != "" {
		opts.DownloadDir = sdfbulk.DefaultDownloadDir(opts.LinkFile)
	}

	var checksum sdfbulk.ChecksumFunc
	if opts.VerifyChecksums == nil || *opts.VerifyChecksums {
		fetcher := &checksumFetcher{
			downloadDir: opts.DownloadDir,
			downloader:  clients.NewAria2Downloader(clients.DefaultAria2Options(), cfg.Runner, cfg.Logger),
		}
		checksum = fetcher.resolve
	}

	return sdfbulk.New(cfg, opts.Options, checksum)
}

// checksumFetcher downloads and parses MD5 sidecar files.
type checksumFetcher struct {
	downloadDir string
	downloader  *clients.Aria2Downloader
}

// resolve fetches the archive's .md5 sidecar if not cached and returns the
// parsed checksum. An empty sidecar is a data error.
func (f *checksumFetcher) resolve(ctx context.Context, entry sdfbulk.Entry) (*clients.Checksum, error) {
	sidecarURL := entry.URL + checksumSuffix
	sidecarPath := filepath.Join(f.downloadDir, entry.Filename+checksumSuffix)

	info, err := os.Stat(sidecarPath)
	if err != nil || info.Size() == 0 {
		err := f.downloader.Download(ctx, clients.DownloadRequest{
			URL:          sidecarURL,
			OutputPath:   sidecarPath,
			SkipExisting: false,
		})
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "read checksum sidecar "+sidecarPath)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return nil, errors.Newf(errors.ErrorTypeData, "checksum sidecar %s is empty", sidecarPath)
	}
	return &clients.Checksum{Algorithm: "md5", Value: fields[0]}, nil
}
