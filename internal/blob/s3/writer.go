package s3blob

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/quantadyne/tradecore/internal/domain"
)

// Writer implements domain.BlobWriter with single PutObject uploads. Archive
// objects are small JSONL batches, so no multipart handling is needed.
type Writer struct {
	client *Client
}

// NewWriter creates a Writer backed by the given client.
func NewWriter(client *Client) *Writer {
	return &Writer{client: client}
}

// Put uploads body under key with the given content type.
func (w *Writer) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := w.client.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.client.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", key, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
