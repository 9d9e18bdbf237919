package emitter

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/yairfalse/vahti/internal/engine"
	"github.com/yairfalse/vahti/internal/telemetry"
)

// S3API defines the S3 operations used by the emitter.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds S3 emitter configuration.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// S3Emitter uploads every report to <prefix>/<scanId>.json.
type S3Emitter struct {
	client S3API
	bucket string
	prefix string
	logger *telemetry.Logger
}

// NewS3Emitter creates an emitter using the default AWS credential chain.
func NewS3Emitter(ctx context.Context, cfg S3Config) (*S3Emitter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 emitter: bucket required")
	}
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3EmitterWithClient(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewS3EmitterWithClient creates an emitter over client.
func NewS3EmitterWithClient(client S3API, cfg S3Config) *S3Emitter {
	return &S3Emitter{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: telemetry.NewLogger("s3-emitter"),
	}
}

// Key returns the object key a report is stored under.
func (e *S3Emitter) Key(report *engine.Report) string {
	return path.Join(e.prefix, report.Metadata.ScanID+".json")
}

// Emit uploads the report.
func (e *S3Emitter) Emit(ctx context.Context, report *engine.Report) error {
	data, err := MarshalReport(report)
	if err != nil {
		return err
	}
	key := e.Key(report)

	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"scan-id":    report.Metadata.ScanID,
			"violations": fmt.Sprint(report.Results.NumOfViolations),
		},
	})
	if err != nil {
		return fmt.Errorf("upload report to s3://%s/%s: %w", e.bucket, key, err)
	}

	e.logger.WithContext(ctx).Info().
		Str("bucket", e.bucket).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("report uploaded")
	return nil
}

// Close is a no-op for S3 emitter.
func (e *S3Emitter) Close() error {
	return nil
}
