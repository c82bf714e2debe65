package block

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/ipfs/go-cid"
)

// S3Config configures the S3-compatible backend, mirroring the fields
// a host's storage.blocks TOML table would carry.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// VerifyOnPut re-reads and re-hashes the object after a PUT to
	// detect collisions; off by default due to cost, per spec.md §4.1.
	VerifyOnPut bool
}

// S3 stores blocks as objects in an S3-compatible bucket, object key =
// CID string. PUT is the backend's single atomic write primitive.
type S3 struct {
	client *s3.Client
	bucket string
	verify bool
}

func NewS3(cfg S3Config) (*S3, error) {
	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(cfg.Endpoint),
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	})
	return &S3{client: client, bucket: cfg.Bucket, verify: cfg.VerifyOnPut}, nil
}

func (s *S3) key(c cid.Cid) string {
	return "blocks/" + c.String()
}

func (s *S3) Put(ctx context.Context, c cid.Cid, data []byte) error {
	if s.verify {
		if existing, err := s.Get(ctx, c); err == nil && !bytes.Equal(existing, data) {
			return fmt.Errorf("%w: %s", ErrCIDCollision, c)
		}
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(c)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to put block %s to s3: %w", c, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(c)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get block %s from s3: %w", c, err)
	}
	defer out.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read block %s body: %w", c, err)
	}
	return data, nil
}

func (s *S3) Has(ctx context.Context, c cid.Cid) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(c)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head block %s in s3: %w", c, err)
	}
	return true, nil
}

func (s *S3) Delete(ctx context.Context, c cid.Cid) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(c)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete block %s from s3: %w", c, err)
	}
	return nil
}

func (s *S3) Enumerate(ctx context.Context, visit func(cid.Cid) error) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String("blocks/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list s3 blocks: %w", err)
		}
		for _, obj := range page.Contents {
			c, err := cid.Decode((*obj.Key)[len("blocks/"):])
			if err != nil {
				continue
			}
			if err := visit(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}
