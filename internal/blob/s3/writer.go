package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/infusion/internal/domain"
)

// minPartSize is the S3 lower bound for multipart parts.
const minPartSize int64 = 5 << 20

// Writer implements domain.BlobWriter.
type Writer struct {
	c *Client
}

func NewWriter(c *Client) *Writer {
	return &Writer{c: c}
}

// Put stores data at path. With opts.PartSize set the SDK upload manager
// sends it in parts, never smaller than 5 MiB; otherwise it is one request.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, opts domain.PutOptions) error {
	in := putInput(w.c.bucket, path, data, opts)
	var err error
	if opts.PartSize > 0 {
		uploader := manager.NewUploader(w.c.s3, func(u *manager.Uploader) {
			u.PartSize = max(opts.PartSize, minPartSize)
		})
		_, err = uploader.Upload(ctx, in)
	} else {
		_, err = w.c.s3.PutObject(ctx, in)
	}
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

func putInput(bucket, path string, data io.Reader, opts domain.PutOptions) *s3.PutObjectInput {
	in := &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(path),
		Body:     data,
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	return in
}

var _ domain.BlobWriter = (*Writer)(nil)
