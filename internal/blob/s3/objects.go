package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

// minPartSize is the minimum allowed part size for S3 multipart uploads (5 MiB).
const minPartSize int64 = 5 * 1024 * 1024

// Objects reads and writes the objects of one bucket. It implements both
// domain.BlobWriter and domain.BlobReader.
type Objects struct {
	api    *s3.Client
	bucket string
}

var (
	_ domain.BlobWriter = (*Objects)(nil)
	_ domain.BlobReader = (*Objects)(nil)
)

// NewObjects binds object access to the client's bucket.
func NewObjects(c *Client) *Objects {
	return &Objects{api: c.S3(), bucket: c.Bucket()}
}

func (o *Objects) key(path string) (*string, *string) {
	return aws.String(o.bucket), aws.String(path)
}

// Put uploads data with a single PutObject request. Bodies that cannot seek
// are buffered first so the SDK can hash the payload.
func (o *Objects) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	body, ok := data.(io.ReadSeeker)
	if !ok {
		buf, err := io.ReadAll(data)
		if err != nil {
			return fmt.Errorf("s3blob: buffer %s: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}
	bucket, key := o.key(path)
	_, err := o.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      bucket,
		Key:         key,
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

// PutMultipart streams a JSONL draw file through the upload manager.
// partSize is raised to the 5 MiB S3 minimum.
func (o *Objects) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	uploader := manager.NewUploader(o.api, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
	})
	bucket, key := o.key(path)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      bucket,
		Key:         key,
		Body:        data,
		ContentType: aws.String(contentTypeJSONL),
	})
	if err != nil {
		return fmt.Errorf("s3blob: multipart put %s: %w", path, err)
	}
	return nil
}

// Get opens the object at path. The caller closes the body.
func (o *Objects) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, key := o.key(path)
	out, err := o.api.GetObject(ctx, &s3.GetObjectInput{Bucket: bucket, Key: key})
	if err != nil {
		return nil, fmt.Errorf("s3blob: get %s: %w", path, classify(err))
	}
	return out.Body, nil
}

// List returns every object under prefix across all result pages.
func (o *Objects) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	pages := s3.NewListObjectsV2Paginator(o.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.bucket),
		Prefix: aws.String(prefix),
	})
	var out []domain.BlobInfo
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, domain.BlobInfo{
				Path:         aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

// Exists reports whether an object is stored at path.
func (o *Objects) Exists(ctx context.Context, path string) (bool, error) {
	bucket, key := o.key(path)
	_, err := o.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: bucket, Key: key})
	switch err = classify(err); {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("s3blob: head %s: %w", path, err)
	}
}

// classify maps missing-object responses to domain.ErrNotFound. HEAD
// responses carry no body, so the status code is checked as well as the
// API error code.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	return err
}
