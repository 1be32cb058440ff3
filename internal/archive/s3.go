package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"cbc-go/internal/backup"
	"cbc-go/internal/config"
	"cbc-go/internal/model"
)

// S3Client is the subset of the S3 API the archive uses.
type S3Client interface {
	manager.UploadAPIClient
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Archive stores archived files as objects keyed
// "<prefix>/<run id>/<relative path>". Large bodies are uploaded in parts.
type S3Archive struct {
	client   S3Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Archive creates an archive writing to bucket through client.
func NewS3Archive(client S3Client, bucket, prefix string) *S3Archive {
	return &S3Archive{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

// NewS3ArchiveFromConfig builds an S3 client from the default AWS
// credential chain, overridden by any region, endpoint or static keys set
// in cfg. A custom endpoint switches to path-style addressing, as
// S3-compatible stores expect.
func NewS3ArchiveFromConfig(ctx context.Context, cfg config.BackendConfig) (*S3Archive, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("%w: s3 archive requires s3_bucket to be set", backup.ErrConfiguration)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3Archive(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

// Key returns the object key for ref.
func (a *S3Archive) Key(run *model.BackupRun, ref *model.BackupRunFileRef) string {
	return objectKey(a.prefix, run, ref)
}

// Target returns the s3:// URL of ref's object.
func (a *S3Archive) Target(run *model.BackupRun, ref *model.BackupRunFileRef) string {
	return "s3://" + a.bucket + "/" + a.Key(run, ref)
}

// ArchiveFile uploads content, overwriting any existing object.
func (a *S3Archive) ArchiveFile(ctx context.Context, run *model.BackupRun, ref *model.BackupRunFileRef, content io.Reader) (bool, error) {
	if content == nil {
		return true, nil
	}

	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.Key(run, ref)),
		Body:   content,
	})
	if err != nil {
		return false, fmt.Errorf("uploading %s: %w", a.Target(run, ref), err)
	}
	return true, nil
}

// ValidateSetup checks that the bucket exists and is accessible.
func (a *S3Archive) ValidateSetup(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", a.bucket, err)
	}
	return nil
}

// Compile-time check that S3Archive implements backup.ArchiveBackend interface
var _ backup.ArchiveBackend = (*S3Archive)(nil)
