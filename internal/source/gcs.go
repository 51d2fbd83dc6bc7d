package source

import (
	"context"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Anonymous bool // public buckets; skips application default credentials
}

// GCS serves gs://bucket/object locations.
type GCS struct {
	client *gcs.Client
}

// NewGCS builds a GCS source, authenticating via application default
// credentials unless cfg.Anonymous is set.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	var opts []option.ClientOption
	if cfg.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{client: client}, nil
}

func (g *GCS) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, object, err := splitBucketKey(location, "gs://")
	if err != nil {
		return nil, err
	}
	rc, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", location, err)
	}
	return rc, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
