// Package archive snapshots the data directory into a tar.gz and uploads it
// to an S3-compatible bucket, pruning old archives to the retention count.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/aristath/tradewire/internal/clock"
	"github.com/aristath/tradewire/internal/config"
)

const keyPrefix = "tradewire/"

// Archiver uploads data-directory snapshots.
type Archiver struct {
	cfg      *config.ArchiveConfig
	dataDir  string
	client   *s3.Client
	uploader *manager.Uploader
	clock    clock.Clock
	log      zerolog.Logger
}

// New builds an archiver. Static credentials and a custom endpoint support
// S3-compatible stores (MinIO and friends); both fall back to the default
// AWS chain when unset.
func New(ctx context.Context, cfg *config.ArchiveConfig, dataDir string, clk clock.Clock, log zerolog.Logger) (*Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archiver{
		cfg:      cfg,
		dataDir:  dataDir,
		client:   client,
		uploader: manager.NewUploader(client),
		clock:    clk,
		log:      log.With().Str("component", "archive").Logger(),
	}, nil
}

// Run creates one snapshot, uploads it, and prunes beyond the retention
// count.
func (a *Archiver) Run(ctx context.Context) error {
	started := a.clock.Instant()

	snapshot, err := os.CreateTemp("", "tradewire-archive-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer func() {
		snapshot.Close()
		os.Remove(snapshot.Name())
	}()

	if err := writeSnapshot(snapshot, a.dataDir); err != nil {
		return err
	}
	if _, err := snapshot.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind snapshot: %w", err)
	}

	key := keyPrefix + a.clock.Now().UTC().Format("20060102T150405Z") + ".tar.gz"
	if _, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        snapshot,
		ContentType: aws.String("application/gzip"),
	}); err != nil {
		return fmt.Errorf("failed to upload archive %s: %w", key, err)
	}

	pruned, err := a.prune(ctx)
	if err != nil {
		// The snapshot landed; a failed prune only delays cleanup.
		a.log.Warn().Err(err).Msg("Archive prune failed")
	}

	a.log.Info().
		Str("key", key).
		Int("pruned", pruned).
		Dur("elapsed", a.clock.Since(started)).
		Msg("Archive uploaded")
	return nil
}

// prune deletes the oldest archives beyond the configured retention.
func (a *Archiver) prune(ctx context.Context) (int, error) {
	keep := a.cfg.Keep
	if keep <= 0 {
		keep = 7
	}

	keys := make([]string, 0)
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.cfg.Bucket),
		Prefix: aws.String(keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list archives: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	if len(keys) <= keep {
		return 0, nil
	}
	// Timestamped keys sort chronologically.
	sort.Strings(keys)
	stale := keys[:len(keys)-keep]

	objects := make([]types.ObjectIdentifier, len(stale))
	for i, key := range stale {
		objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
	}
	if _, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(a.cfg.Bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	}); err != nil {
		return 0, fmt.Errorf("failed to delete stale archives: %w", err)
	}
	return len(stale), nil
}

// writeSnapshot tars the data directory, skipping SQLite WAL side files
// (a checkpoint before archival folds them into the main file).
func writeSnapshot(w io.Writer, dataDir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, "-wal") || strings.HasSuffix(path, "-shm") {
			return nil
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to build snapshot: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize snapshot compression: %w", err)
	}
	return nil
}
