package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"lendbackup/internal/storage"
)

// Ensure Backend implements storage.BackupStore at compile time.
var _ storage.BackupStore = (*Backend)(nil)

// Config holds the configuration for an S3-compatible bucket.
type Config struct {
	Name            string // display name used in logs, defaults to "s3:<bucket>"
	Bucket          string
	Prefix          string // optional root prefix prepended to every key
	Region          string
	Endpoint        string // custom endpoint for MinIO/R2/B2/Wasabi
	AccessKeyID     string // optional; falls back to the AWS credential chain
	SecretAccessKey string
	StorageClass    string // e.g. "STANDARD", "STANDARD_IA"
	ForcePathStyle  bool   // required for MinIO and some S3-compatible stores
}

// Backend stores objects in an S3-compatible bucket. It serves both as the
// canonical object store and as backup storage.
type Backend struct {
	client       *s3.Client
	presigner    *s3.PresignClient
	name         string
	bucket       string
	prefix       string
	storageClass s3types.StorageClass
}

// New creates a new S3 backend from the given config.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for most S3-compatible stores
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewFromClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

// NewFromClient wraps an already configured S3 client.
func NewFromClient(client *s3.Client, cfg Config) *Backend {
	name := cfg.Name
	if name == "" {
		name = "s3:" + cfg.Bucket
	}
	sc := s3types.StorageClassStandard
	if cfg.StorageClass != "" {
		sc = s3types.StorageClass(cfg.StorageClass)
	}
	return &Backend{
		client:       client,
		presigner:    s3.NewPresignClient(client),
		name:         name,
		bucket:       cfg.Bucket,
		prefix:       strings.Trim(cfg.Prefix, "/"),
		storageClass: sc,
	}
}

func (b *Backend) Name() string {
	return b.name
}

// objectKey maps a logical key to the bucket key. The key is appended
// verbatim so that keys with repeated or leading slashes survive.
func (b *Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// logicalKey strips the configured root prefix from a bucket key.
func (b *Backend) logicalKey(objectKey string) string {
	if b.prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(objectKey, b.prefix+"/")
}

// Get opens an object. Caller must close the reader.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return nil, wrapErr("download", key, err)
	}
	return output.Body, nil
}

// Put uploads data as an S3 object, attaching metadata as user metadata.
func (b *Backend) Put(ctx context.Context, key string, data io.Reader, size int64, metadata map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket:       aws.String(b.bucket),
		Key:          aws.String(b.objectKey(key)),
		Body:         data,
		StorageClass: b.storageClass,
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return wrapErr("upload", key, err)
	}
	return nil
}

// Delete removes an object.
func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return wrapErr("delete", key, err)
	}
	return nil
}

// List returns all objects under prefix. Each object is followed by a
// HeadObject call to load its user metadata, which is acceptable for the
// small object counts kept in backup storage.
func (b *Backend) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	listPrefix := b.objectKey(prefix)

	var objects []storage.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(listPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: failed to list objects with prefix %s: %w", listPrefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			info := storage.ObjectInfo{Key: b.logicalKey(*obj.Key)}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}

			head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				// Deleted between list and head.
				if isNotFound(err) {
					continue
				}
				return nil, wrapErr("head", info.Key, err)
			}
			info.Metadata = lowerKeys(head.Metadata)
			objects = append(objects, info)
		}
	}

	return objects, nil
}

// PresignGet returns a presigned GET URL valid for ttl.
func (b *Backend) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("s3: failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

// wrapErr annotates err and maps missing-object responses to storage.ErrNotExist.
func wrapErr(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("s3: failed to %s %s: %w: %w", op, key, storage.ErrNotExist, err)
	}
	return fmt.Errorf("s3: failed to %s %s: %w", op, key, err)
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func lowerKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
