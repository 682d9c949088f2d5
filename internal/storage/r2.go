package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a requested object does not exist in the bucket.
var ErrNotFound = errors.New("object not found")

// Client wraps R2 (S3-compatible) storage operations
type Client struct {
	s3Client   *s3.Client
	bucket     string
	publicURL  string // optional base URL for derived assets (e.g. https://cdn.chapterbridge.app)
	maxRetries int
	retryDelay time.Duration
}

// UploadResult describes one stored object, enough to record an assets row.
type UploadResult struct {
	Key         string
	Bytes       int64
	SHA256      string
	ContentType string
}

// NewClient creates a new R2 storage client
func NewClient(endpoint, accessKey, secretKey, bucket, publicURL string, maxRetries int, retryDelay time.Duration) (*Client, error) {
	if endpoint == "" || accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("R2 credentials not fully configured, check R2_ENDPOINT, R2_ACCESS_KEY_ID, R2_SECRET_ACCESS_KEY")
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	// R2 over some hosts (RunPod in particular) flakes on HTTP/2 streams, so the
	// transport pins HTTP/1.1 with explicit connect/read deadlines.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSNextProto:          map[string]func(string, *tls.Conn) http.RoundTripper{},
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}

	configOpts := []func(*config.LoadOptions) error{
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithBaseEndpoint(endpoint),
		config.WithHTTPClient(&http.Client{Transport: transport}),
		config.WithRetryer(func() aws.Retryer {
			return awsretry.AddWithMaxAttempts(awsretry.NewAdaptiveMode(), maxRetries)
		}),
	}

	cfg, err := config.LoadDefaultConfig(context.Background(), configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	// Path-style addressing plus relaxed checksums: R2 does not fully support
	// the CRC32 request/response headers the SDK sends by default.
	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	log.Info().
		Str("endpoint", endpoint).
		Str("bucket", bucket).
		Int("max_retries", maxRetries).
		Msg("R2 client initialized")

	return &Client{
		s3Client:   s3Client,
		bucket:     bucket,
		publicURL:  publicURL,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}, nil
}

// PublicURL returns the public URL for an object key. Empty if publicURL was not configured.
func (c *Client) PublicURL(key string) string {
	if c.publicURL == "" {
		return ""
	}
	if c.publicURL[len(c.publicURL)-1] == '/' {
		return c.publicURL + key
	}
	return c.publicURL + "/" + key
}

// withRetry runs op with exponential backoff on transient storage errors.
// Not-found and auth failures surface immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries+1)),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().
				Err(err).
				Str("operation", op).
				Uint("attempt", n+1).
				Msg("R2 operation failed, retrying")
		}),
	)
}

// Download fetches an object. Returns ErrNotFound (wrapped) when the key does
// not exist so callers can treat missing inputs as a skip rather than a fault.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := c.withRetry(ctx, "download", func() error {
		result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer result.Body.Close()
		data, err = io.ReadAll(result.Body)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}

	log.Debug().
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Downloaded object from R2")

	return data, nil
}

// DownloadText fetches an object and returns it as a UTF-8 string.
func (c *Client) DownloadText(ctx context.Context, key string) (string, error) {
	data, err := c.Download(ctx, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Upload stores data under key and returns the object metadata, including the
// sha256 digest recorded alongside the assets row.
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) (*UploadResult, error) {
	err := c.withRetry(ctx, "upload", func() error {
		_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentType:   aws.String(contentType),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	digest := sha256.Sum256(data)

	log.Info().
		Str("bucket", c.bucket).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Uploaded object to R2")

	return &UploadResult{
		Key:         key,
		Bytes:       int64(len(data)),
		SHA256:      hex.EncodeToString(digest[:]),
		ContentType: contentType,
	}, nil
}

// UploadText stores text under key as UTF-8 plain text.
func (c *Client) UploadText(ctx context.Context, key, text string) (*UploadResult, error) {
	return c.Upload(ctx, key, []byte(text), "text/plain; charset=utf-8")
}

// Exists reports whether a key is present in the bucket.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return true, nil
}

// Delete removes an object from the bucket.
func (c *Client) Delete(ctx context.Context, key string) error {
	err := c.withRetry(ctx, "delete", func() error {
		_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	log.Info().
		Str("bucket", c.bucket).
		Str("key", key).
		Msg("Deleted object from R2")

	return nil
}

// isRetryable reports whether a storage error is transient. Only connection
// faults and throttling-class API codes qualify; not-found, auth, and context
// cancellation never do.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InternalError", "ServiceUnavailable", "SlowDown", "RequestTimeout":
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// isNotFound matches the two shapes R2 uses for missing keys: the typed
// NoSuchKey from GetObject and the bare 404 NotFound from HeadObject.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
