package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"market-structure-lab/internal/domain"
	"market-structure-lab/internal/storage"
)

// ObjectPutter is the subset of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver implements storage.HistorySink by writing every committed state
// as one JSON object:
//
//	{prefix}/extrema/{SYMBOL}/{interval}/{side}/{YYYY}/{MM}/{DD}/{next_start}-{run_id}.json
//	{prefix}/levels/{SYMBOL}/{side}/{YYYY}/{MM}/{DD}/{snapshot_time}-{run_id}.json
//
// Dates are taken from the state's own timestamps (UTC).
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewArchiver creates an archiver writing into c's bucket under prefix.
func NewArchiver(c *Client, prefix string) *Archiver {
	return NewArchiverWithPutter(c.S3(), c.Bucket(), prefix)
}

// NewArchiverWithPutter creates an archiver over any ObjectPutter.
func NewArchiverWithPutter(client ObjectPutter, bucket, prefix string) *Archiver {
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Compile-time interface check.
var _ storage.HistorySink = (*Archiver)(nil)

// RecordExtrema uploads cp.
func (a *Archiver) RecordExtrema(ctx context.Context, key domain.StreamKey, runID string, cp *domain.ExtremumCheckpoint) error {
	data, err := storage.EncodeCheckpoint(cp)
	if err != nil {
		return fmt.Errorf("s3blob: encode checkpoint: %w", err)
	}
	p := a.ExtremaPath(key, runID, cp.NextStart)
	return a.put(ctx, p, data)
}

// RecordLevels uploads state.
func (a *Archiver) RecordLevels(ctx context.Context, key domain.BookKey, runID string, state *domain.LevelState) error {
	data, err := storage.EncodeLevelState(state)
	if err != nil {
		return fmt.Errorf("s3blob: encode level state: %w", err)
	}
	p := a.LevelsPath(key, runID, state.SnapshotTime)
	return a.put(ctx, p, data)
}

// ExtremaPath returns the object key for a checkpoint.
func (a *Archiver) ExtremaPath(key domain.StreamKey, runID string, nextStart int64) string {
	return a.join("extrema", key.Symbol, key.Interval.String(), key.Side.String(),
		datePath(nextStart), fmt.Sprintf("%d-%s.json", nextStart, runID))
}

// LevelsPath returns the object key for a level state.
func (a *Archiver) LevelsPath(key domain.BookKey, runID string, snapshotTime int64) string {
	return a.join("levels", key.Symbol, key.Side.String(),
		datePath(snapshotTime), fmt.Sprintf("%d-%s.json", snapshotTime, runID))
}

func (a *Archiver) join(parts ...string) string {
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (a *Archiver) put(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", key, err)
	}
	return nil
}

func datePath(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006/01/02")
}
