// Package r2client stores objects in Cloudflare R2 through the S3 API.
// It hosts generated images under a public base URL and keeps compressed
// database backups.
package r2client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("r2client: object not found")

// Config holds R2 client configuration.
type Config struct {
	Endpoint      string // e.g. https://<account>.r2.cloudflarestorage.com
	AccessKeyID   string
	SecretKey     string
	BucketName    string
	PublicBaseURL string // serves the bucket over HTTPS; required for image hosting
}

// Validate reports missing credentials.
func (c Config) Validate() error {
	if c.Endpoint == "" || c.AccessKeyID == "" || c.SecretKey == "" || c.BucketName == "" {
		return errors.New("r2client: endpoint, access key, secret key and bucket are required")
	}
	return nil
}

// Client provides R2 object storage operations.
type Client struct {
	s3         *s3.Client
	bucket     string
	publicBase string
}

// New creates a new R2 client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretKey,
			"",
		)),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("r2client: load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &Client{
		s3:         s3Client,
		bucket:     cfg.BucketName,
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// PublicURL returns the public HTTPS URL of key, or "" without a public base.
func (c *Client) PublicURL(key string) string {
	if c.publicBase == "" {
		return ""
	}
	return c.publicBase + "/" + strings.TrimLeft(key, "/")
}

// UploadImage stores a generated image under prefix and returns its public URL.
func (c *Client) UploadImage(ctx context.Context, prefix string, data []byte, contentType string) (string, error) {
	if c.publicBase == "" {
		return "", errors.New("r2client: public base URL is not configured")
	}
	key := path.Join(prefix, uuid.NewString()+extensionFor(contentType))
	if _, err := c.Upload(ctx, key, bytes.NewReader(data), contentType); err != nil {
		return "", err
	}
	return c.PublicURL(key), nil
}

// UploadFile streams a local file to key.
func (c *Client) UploadFile(ctx context.Context, key, filePath, contentType string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("r2client: open %q: %w", filePath, err)
	}
	defer func() { _ = f.Close() }()

	_, err = c.Upload(ctx, key, f, contentType)
	return err
}

// Upload uploads an object and returns its ETag.
func (c *Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	return c.put(ctx, &s3.PutObjectInput{Key: aws.String(key), Body: body}, contentType)
}

// Download returns the object body and ETag. Caller must close the body.
func (c *Client) Download(ctx context.Context, key string) (io.ReadCloser, string, error) {
	result, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("r2client: download %q: %w", key, err)
	}
	return result.Body, trimETag(result.ETag), nil
}

// PutIfAbsent creates key only when it does not exist (If-None-Match: *).
// created is false when the object already existed.
func (c *Client) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, string, error) {
	etag, err := c.put(ctx, &s3.PutObjectInput{
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	}, "application/json")
	if isPreconditionFailed(err) {
		return false, "", nil
	}
	return err == nil, etag, err
}

// PutIfMatch replaces key only when its ETag still equals etag.
// updated is false when the object changed in between.
func (c *Client) PutIfMatch(ctx context.Context, key string, data []byte, etag string) (bool, string, error) {
	newETag, err := c.put(ctx, &s3.PutObjectInput{
		Key:     aws.String(key),
		Body:    bytes.NewReader(data),
		IfMatch: aws.String(`"` + etag + `"`),
	}, "application/json")
	if isPreconditionFailed(err) {
		return false, "", nil
	}
	return err == nil, newETag, err
}

// Delete removes an object.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("r2client: delete %q: %w", key, err)
	}
	return nil
}

func (c *Client) put(ctx context.Context, input *s3.PutObjectInput, contentType string) (string, error) {
	input.Bucket = aws.String(c.bucket)
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	result, err := c.s3.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", err
		}
		return "", fmt.Errorf("r2client: put %q: %w", aws.ToString(input.Key), err)
	}
	return trimETag(result.ETag), nil
}

func trimETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	}
	return ""
}

// isPreconditionFailed reports a 412 from a conditional write.
func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return true
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 412
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}
