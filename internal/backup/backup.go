// Package backup uploads snapshots of the event store to S3. Snapshots
// are copies of the database file, so every sensitive field stays
// encrypted under the operator secret.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// Snapshotter writes a consistent copy of the store to a file
type Snapshotter interface {
	Snapshot(ctx context.Context, dest string) error
}

// Uploader is the subset of the S3 client used here
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds backup settings
type Config struct {
	Bucket    string
	Region    string
	KeyPrefix string
	// TempDir holds snapshots while they upload; defaults to os.TempDir()
	TempDir string
}

// Backup takes and uploads snapshots
type Backup struct {
	store   Snapshotter
	s3      Uploader
	bucket  string
	prefix  string
	tempDir string

	// Now names snapshot objects
	Now func() time.Time
}

// New creates a Backup with an S3 client from the default credential chain
func New(ctx context.Context, cfg Config, st Snapshotter) (*Backup, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("backup bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newBackup(cfg, st, s3.NewFromConfig(awsCfg)), nil
}

func newBackup(cfg Config, st Snapshotter, up Uploader) *Backup {
	dir := cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	return &Backup{
		store:   st,
		s3:      up,
		bucket:  cfg.Bucket,
		prefix:  cfg.KeyPrefix,
		tempDir: dir,
		Now:     time.Now,
	}
}

// Key returns the object key for a snapshot taken at t
func (b *Backup) Key(t time.Time) string {
	return path.Join(b.prefix, "honeygrid-"+t.UTC().Format("20060102T150405Z")+".db")
}

// Run takes one snapshot and uploads it, returning the object key
func (b *Backup) Run(ctx context.Context) (string, error) {
	now := b.Now()
	key := b.Key(now)
	dest := filepath.Join(b.tempDir, fmt.Sprintf("honeygrid-snapshot-%d.db", now.UnixNano()))
	defer os.Remove(dest)

	if err := b.store.Snapshot(ctx, dest); err != nil {
		return "", fmt.Errorf("failed to snapshot store: %w", err)
	}

	f, err := os.Open(dest)
	if err != nil {
		return "", fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat snapshot: %w", err)
	}

	log.Debug().
		Str("bucket", b.bucket).
		Str("key", key).
		Int64("size", info.Size()).
		Msg("S3 PUT snapshot")

	if _, err := b.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(b.bucket),
		Key:                  aws.String(key),
		Body:                 f,
		ContentLength:        aws.Int64(info.Size()),
		ContentType:          aws.String("application/vnd.sqlite3"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}); err != nil {
		return "", fmt.Errorf("S3 PutObject failed: %w", err)
	}

	log.Info().Str("bucket", b.bucket).Str("key", key).Int64("size", info.Size()).Msg("Store snapshot uploaded")
	return key, nil
}
