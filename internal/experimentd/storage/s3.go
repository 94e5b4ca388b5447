package storage

import (
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/G-Research/experimentd/internal/common/experrors"
	"github.com/G-Research/experimentd/internal/experimentd/configuration"
)

// S3API is the subset of *s3.Client used to copy outputs.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// S3Storage keeps outputs under bucket/prefix/{experiment name}/. Copies are done server side.
type S3Storage struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Storage(client S3API, bucket, prefix string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// NewS3StorageFromConfig builds an s3 client from the default AWS credential chain.
func NewS3StorageFromConfig(ctx context.Context, c configuration.S3Config) (*S3Storage, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS SDK config")
	}
	client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Storage(client, c.Bucket, c.Prefix), nil
}

func (s *S3Storage) keyPrefix(experimentName string) string {
	return path.Join(s.prefix, experimentName) + "/"
}

func (s *S3Storage) CopyOutputs(ctx context.Context, sourceName, destName string) error {
	if err := s.copyPrefix(ctx, s.keyPrefix(sourceName), s.keyPrefix(destName)); err != nil {
		return &experrors.ErrStorage{Source: sourceName, Dest: destName, Err: err}
	}
	return nil
}

func (s *S3Storage) copyPrefix(ctx context.Context, source, dest string) error {
	var continuationToken *string
	copied := 0
	for {
		output, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(source),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to list s3://%s/%s", s.bucket, source)
		}
		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			target := dest + strings.TrimPrefix(key, source)
			_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(s.bucket),
				CopySource: aws.String(copySource(s.bucket, key)),
				Key:        aws.String(target),
			})
			if err != nil {
				return errors.Wrapf(err, "failed to copy s3://%s/%s", s.bucket, key)
			}
			copied++
		}
		if !aws.ToBool(output.IsTruncated) {
			break
		}
		continuationToken = output.NextContinuationToken
	}
	if copied == 0 {
		return errors.Errorf("no outputs under s3://%s/%s", s.bucket, source)
	}
	return nil
}

// copySource url-encodes bucket/key segment by segment, keeping the separators.
func copySource(bucket, key string) string {
	segments := strings.Split(bucket+"/"+key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
