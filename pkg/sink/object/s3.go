package object

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
)

// S3Config locates the bucket. Endpoint targets S3-compatible stores and
// switches to path-style addressing.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
}

// S3Uploader uploads with the multipart-capable transfer manager
type S3Uploader struct {
	bucket   string
	uploader *manager.Uploader
}

// NewS3Uploader loads the default AWS credential chain
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "S3 sink requires a bucket")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Uploader{
		bucket: cfg.Bucket,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 16 * 1024 * 1024
			u.Concurrency = 4
		}),
	}, nil
}

// Upload implements Uploader
func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte, meta Metadata) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(meta.ContentType),
		Metadata:    meta.Attributes,
	}
	if meta.ContentEncoding != "" {
		input.ContentEncoding = aws.String(meta.ContentEncoding)
	}
	_, err := u.uploader.Upload(ctx, input)
	return err
}

// Close implements Uploader
func (u *S3Uploader) Close() error { return nil }
