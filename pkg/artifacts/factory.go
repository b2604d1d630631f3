package artifacts

import (
	"context"
	"errors"
)

// Options selects an export backend. The first configured of GCSBucket,
// S3Bucket and Dir wins.
type Options struct {
	Dir        string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	GCSBucket  string
	Prefix     string
}

// ErrNoBackend is returned when Options names no backend.
var ErrNoBackend = errors.New("no export backend configured")

func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch {
	case opts.GCSBucket != "":
		return NewGCSStore(ctx, GCSStoreConfig{Bucket: opts.GCSBucket, Prefix: opts.Prefix})
	case opts.S3Bucket != "":
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   opts.S3Bucket,
			Region:   opts.S3Region,
			Endpoint: opts.S3Endpoint,
			Prefix:   opts.Prefix,
		})
	case opts.Dir != "":
		return NewFileStore(opts.Dir)
	default:
		return nil, ErrNoBackend
	}
}
