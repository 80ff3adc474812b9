// Package s3fetch mirrors measurement archives from an S3 bucket into a
// local directory.
package s3fetch

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/tdmstools/tdms-daily/pkg/fileutil"
	"github.com/tdmstools/tdms-daily/pkg/logging"
)

// API is the slice of the S3 client the fetcher needs.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config tunes the download manager.
type Config struct {
	// Workers is the number of objects fetched concurrently.
	// Default: max(4, NumCPU), capped at 16.
	Workers int

	// PartSize is the size of each ranged download part in bytes.
	// Default: 16MB.
	PartSize int64
}

// DefaultConfig returns defaults sized for the current machine.
func DefaultConfig() Config {
	workers := runtime.NumCPU()
	if workers < 4 {
		workers = 4
	}
	if workers > 16 {
		workers = 16
	}
	return Config{
		Workers:  workers,
		PartSize: 16 * 1024 * 1024,
	}
}

// Client fetches archive objects from a bucket.
type Client struct {
	api API
	mgr *manager.Downloader
	cfg Config
}

// NewClient creates a client using the default AWS configuration chain.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewClientWithAPI(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewClientWithAPI creates a client over an existing S3 API implementation.
func NewClientWithAPI(api API, cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = def.PartSize
	}
	mgr := manager.NewDownloader(api, func(d *manager.Downloader) {
		d.PartSize = cfg.PartSize
	})
	return &Client{api: api, mgr: mgr, cfg: cfg}
}

// Object describes one remote archive.
type Object struct {
	Key  string
	Size int64
}

// List returns the objects under bucket/prefix, sorted by key.
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var objects []Object
	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range out.Contents {
			objects = append(objects, Object{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Failure records one object that could not be fetched.
type Failure struct {
	Key string
	Err error
}

// Report aggregates the outcome of a sync.
type Report struct {
	Downloaded []string
	Skipped    []string
	Failures   []Failure
}

// Sync downloads every object under bucket/prefix into destDir, named by
// the key's base name. Objects already present locally with the remote
// size are skipped, so an interrupted sync can simply be rerun. Per-object
// failures are contained and reported.
func (c *Client) Sync(ctx context.Context, bucket, prefix, destDir string) (*Report, error) {
	log := logging.WithPhase("fetch")

	objects, err := c.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		log.Info().Str("bucket", bucket).Str("prefix", prefix).Msg("nothing to fetch")
		return &Report{}, nil
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create fetch dir: %w", err)
	}
	if err := fileutil.CleanupTmpFiles(destDir); err != nil {
		return nil, err
	}

	tracker := logging.NewProgressTracker("fetch", int64(len(objects)), log)
	report := &Report{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, obj := range objects {
		obj := obj
		g.Go(func() error {
			dest := filepath.Join(destDir, path.Base(obj.Key))
			if info, err := os.Stat(dest); err == nil && info.Size() == obj.Size {
				mu.Lock()
				report.Skipped = append(report.Skipped, dest)
				mu.Unlock()
				return nil
			}

			start := time.Now()
			err := fileutil.WriteTmpThenMove(dest, func(tmpPath string) error {
				return c.downloadTo(ctx, bucket, obj.Key, tmpPath)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Error().Err(err).Str("key", obj.Key).Msg("fetch failed")
				report.Failures = append(report.Failures, Failure{Key: obj.Key, Err: err})
				tracker.ItemFailed(obj.Key, time.Since(start), err)
				return ctx.Err()
			}
			report.Downloaded = append(report.Downloaded, dest)
			tracker.ItemDone(obj.Key, time.Since(start))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(report.Downloaded)
	sort.Strings(report.Skipped)
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].Key < report.Failures[j].Key })
	return report, nil
}

func (c *Client) downloadTo(ctx context.Context, bucket, key, destPath string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	defer f.Close()

	if _, err := c.mgr.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}
