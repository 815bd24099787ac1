package clients

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/openmoleculedata/molingest/pkg/errors"
)

// Aria2Options controls concurrency and retry behavior of the external
// aria2c tool.
type Aria2Options struct {
	Connections  int      `yaml:"connections" json:"connections"`
	Split        int      `yaml:"split" json:"split"`
	MinSplitSize string   `yaml:"min_split_size" json:"min_split_size"`
	MaxTries     int      `yaml:"max_tries" json:"max_tries"`
	RetryWait    int      `yaml:"retry_wait" json:"retry_wait"`
	ExtraArgs    []string `yaml:"extra_args" json:"extra_args"`
}

// DefaultAria2Options returns the option set used for bulk archives.
func DefaultAria2Options() Aria2Options {
	return Aria2Options{
		Connections:  16,
		Split:        16,
		MinSplitSize: "1M",
		MaxTries:     5,
		RetryWait:    2,
	}
}

// Args renders the option values as aria2c command-line arguments.
func (o Aria2Options) Args() []string {
	args := []string{
		fmt.Sprintf("--max-connection-per-server=%d", o.Connections),
		fmt.Sprintf("--split=%d", o.Split),
		fmt.Sprintf("--min-split-size=%s", o.MinSplitSize),
		fmt.Sprintf("--max-tries=%d", o.MaxTries),
		fmt.Sprintf("--retry-wait=%d", o.RetryWait),
	}
	return append(args, o.ExtraArgs...)
}

// Checksum requests integrity verification of a downloaded file.
type Checksum struct {
	Algorithm string
	Value     string
}

// DownloadRequest describes one aria2c invocation.
type DownloadRequest struct {
	URL        string
	OutputPath string
	// Checksum, when set, is passed to aria2c and forces re-verification
	// even if the target already exists.
	Checksum *Checksum
	Username string
	Password string
	// SkipExisting skips the download when the target exists with a
	// positive size and no checksum verification was requested.
	SkipExisting bool
}

// CommandRunner executes an external command. Tests substitute their own
// implementation; the default shells out.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func defaultRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}

// Aria2Downloader drives aria2c as the bulk-archive download backend.
// aria2c resumes partial downloads (--continue) and handles its own
// transfer-level retries, so a failed entry is not retried again within the
// same run.
type Aria2Downloader struct {
	options Aria2Options
	runner  CommandRunner
	logger  *zap.Logger
}

// NewAria2Downloader creates a downloader. A nil runner shells out to
// aria2c.
func NewAria2Downloader(options Aria2Options, runner CommandRunner, logger *zap.Logger) *Aria2Downloader {
	if runner == nil {
		runner = defaultRunner
	}
	return &Aria2Downloader{
		options: options,
		runner:  runner,
		logger:  logger.With(zap.String("component", "aria2")),
	}
}

// Download ensures the request's target file is present locally. Parent
// directories are created as needed.
func (d *Aria2Downloader) Download(ctx context.Context, req DownloadRequest) error {
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create download directory")
	}

	if req.SkipExisting && req.Checksum == nil {
		if info, err := os.Stat(req.OutputPath); err == nil && info.Size() > 0 {
			d.logger.Debug("download skipped, target exists",
				zap.String("url", req.URL),
				zap.String("path", req.OutputPath))
			return nil
		}
	}

	args := []string{
		"--continue=true",
		"--auto-file-renaming=false",
		"--allow-overwrite=true",
		fmt.Sprintf("--dir=%s", filepath.Dir(req.OutputPath)),
		fmt.Sprintf("--out=%s", filepath.Base(req.OutputPath)),
	}
	args = append(args, d.options.Args()...)

	if req.Checksum != nil {
		args = append(args,
			fmt.Sprintf("--checksum=%s=%s", req.Checksum.Algorithm, req.Checksum.Value),
			"--check-integrity=true",
		)
	}
	if req.Username != "" {
		args = append(args, "--http-user", req.Username)
	}
	if req.Password != "" {
		args = append(args, "--http-password", req.Password)
	}
	args = append(args, req.URL)

	d.logger.Info("downloading archive",
		zap.String("url", req.URL),
		zap.String("path", req.OutputPath))

	if err := d.runner(ctx, "aria2c", args...); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransfer, "download "+req.URL)
	}
	return nil
}
