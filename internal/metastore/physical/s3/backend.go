// Package s3 provides an S3 metastore backend.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/lodetrace/lode-node/internal/metastore/physical"
	"github.com/lodetrace/lode-node/internal/storage"
	"github.com/lodetrace/lode-node/pkg/reference"
)

const (
	KeyBucket          = "bucket"
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyPrefix          = "prefix"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyForcePathStyle  = "force_path_style"
)

func init() {
	physical.Register("s3", NewFactory, Defaults)
}

// Defaults returns the default configuration for the S3 backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyRegion:         "us-east-1",
		KeyPrefix:         "",
		KeyForcePathStyle: "false",
	}
}

// NewFactory creates an S3 backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	bucket := storage.GetString(config, KeyBucket, "")
	if bucket == "" {
		return nil, storage.NewConfigError("s3", KeyBucket, "cannot be empty")
	}

	region := storage.GetString(config, KeyRegion, "us-east-1")
	endpoint := storage.GetString(config, KeyEndpoint, "")
	prefix := storage.GetString(config, KeyPrefix, "")
	accessKey := storage.GetString(config, KeyAccessKeyID, "")
	secretKey := storage.GetString(config, KeySecretAccessKey, "")

	forcePathStyle, err := storage.GetBool(config, KeyForcePathStyle, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("s3", KeyForcePathStyle, config[KeyForcePathStyle], err.Error())
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if forcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("s3: bucket %q not accessible: %w", bucket, err)
	}

	return &Backend{client: client, bucket: bucket, prefix: prefix}, nil
}

// Backend stores documents as S3 objects keyed by content address.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
	closed atomic.Bool
}

func (b *Backend) key(r reference.Reference) string {
	return b.prefix + reference.Hex(r)
}

func (b *Backend) Put(ctx context.Context, r reference.Reference, data []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(r)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("s3: put object: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, r reference.Reference) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(r)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, physical.ErrNotFound
		}
		return nil, fmt.Errorf("s3: get object: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: read body: %w", err)
	}
	return data, nil
}

func (b *Backend) Exists(ctx context.Context, r reference.Reference) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(r)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3: head object: %w", err)
	}
	return true, nil
}

func (b *Backend) Delete(ctx context.Context, r reference.Reference) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(r)),
	})
	if err != nil {
		return fmt.Errorf("s3: delete object: %w", err)
	}
	return nil
}

func (b *Backend) Stats(_ context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	return &physical.Stats{SizeBytes: -1, BackendType: "s3"}, nil
}

func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}
