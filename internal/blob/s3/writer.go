package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Writer implements domain.BlobWriter using an S3-compatible backend.
type Writer struct {
	client *s3.Client
	bucket string
}

// NewWriter creates a Writer that uploads into the client's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		client: c.S3(),
		bucket: c.Bucket(),
	}
}

// Put uploads data as a single PutObject request. Snapshot documents are
// small, so there is no multipart path.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	// PutObject needs a seekable body to compute the payload hash.
	if _, ok := data.(io.ReadSeeker); !ok {
		buf, err := io.ReadAll(data)
		if err != nil {
			return fmt.Errorf("s3blob: read body for %s: %w", path, err)
		}
		data = bytes.NewReader(buf)
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", path, err)
	}
	return nil
}
