package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Options configures the S3 media source. Zero values fall back to the
// SDK's ambient resolution (env, shared config, IAM role).
type S3Options struct {
	Region   string
	Endpoint string

	// Static credentials, for S3-compatible stores like MinIO where the
	// ambient chain does not apply.
	AccessKey string
	SecretKey string
}

// S3Source serves s3://bucket/key media URLs through HeadObject/GetObject.
type S3Source struct {
	client *s3.Client
}

func NewS3Source(ctx context.Context, opts S3Options) (*S3Source, error) {
	region := opts.Region
	if region == "" && opts.Endpoint != "" {
		// S3-compatible stores want a region but do not care which.
		region = "us-east-1"
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			// S3-compatible stores generally require path-style addressing.
			o.UsePathStyle = true
		}
	})
	return &S3Source{client: client}, nil
}

func splitS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing s3 url: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 url: %q", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 url missing object key: %q", rawURL)
	}
	return u.Host, key, nil
}

func (s *S3Source) Stat(ctx context.Context, rawURL string) (*Info, error) {
	bucket, key, err := splitS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}

	info := &Info{
		ID:   mediaID(rawURL),
		Name: path.Base(key),
		Size: aws.ToInt64(head.ContentLength),
	}
	info.MimeType = normalizeMime(aws.ToString(head.ContentType), rawURL)
	return info, nil
}

// Open issues a GetObject, forwarding the Range header so S3 serves exactly
// the requested window.
func (s *S3Source) Open(ctx context.Context, rawURL, rangeHeader string) (*Stream, error) {
	bucket, key, err := splitS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if rangeHeader != "" {
		input.Range = aws.String(rangeHeader)
	}

	obj, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, mapS3Error(err)
	}

	stream := &Stream{
		Body:          obj.Body,
		StatusCode:    200,
		ContentType:   normalizeMime(aws.ToString(obj.ContentType), rawURL),
		ContentLength: aws.ToInt64(obj.ContentLength),
		ContentRange:  aws.ToString(obj.ContentRange),
	}
	if stream.ContentRange != "" {
		stream.StatusCode = 206
		if idx := strings.LastIndexByte(stream.ContentRange, '/'); idx >= 0 {
			fmt.Sscanf(stream.ContentRange[idx+1:], "%d", &stream.Size)
		}
	} else {
		stream.Size = stream.ContentLength
	}
	return stream, nil
}

// mapS3Error folds SDK errors into the source error set so handlers can
// translate them uniformly.
func mapS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return ErrUpstreamNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return ErrUpstreamForbidden
		}
	}
	return fmt.Errorf("s3 request failed: %w", err)
}
