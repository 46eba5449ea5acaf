package object

import (
	"context"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
)

// GCSConfig locates the bucket
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
}

// GCSUploader streams objects through storage.Writer
type GCSUploader struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewGCSUploader creates a storage client using CredentialsFile or the
// application default credentials
func NewGCSUploader(ctx context.Context, cfg GCSConfig) (*GCSUploader, error) {
	if cfg.Bucket == "" {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "GCS sink requires a bucket")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create GCS client")
	}
	return &GCSUploader{client: client, bucket: client.Bucket(cfg.Bucket)}, nil
}

// Upload implements Uploader. The object becomes visible when the writer
// closes successfully.
func (u *GCSUploader) Upload(ctx context.Context, key string, body []byte, meta Metadata) error {
	w := u.bucket.Object(key).NewWriter(ctx)
	w.ContentType = meta.ContentType
	w.ContentEncoding = meta.ContentEncoding
	w.Metadata = meta.Attributes

	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Close implements Uploader
func (u *GCSUploader) Close() error {
	return u.client.Close()
}
