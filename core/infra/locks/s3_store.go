package locks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const defaultS3Prefix = "coordination/"

// S3API is the slice of the S3 client the store needs. Declared here so
// tests can stand in a fake without touching real buckets.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput,
		optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput,
		optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput,
		optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input,
		optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps one JSON object per (resource, agent) pair under
// <prefix>locks/<resource>/<agent>. Expired objects linger until a reader or
// the cleanup sweep prunes them; S3 has no native TTL at this granularity.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store builds a store on the ambient AWS credential chain.
func NewS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return NewS3StoreWithClient(client, bucket, prefix)
}

// NewS3StoreWithClient builds a store around an existing client.
func NewS3StoreWithClient(client S3API, bucket, prefix string) (*S3Store, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultS3Prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

// Save upserts the object for (lock.Resource, lock.Agent). Fresh claims go
// through an atomic conditional create; when the object already exists the
// write falls back to a plain overwrite, which covers lease renewal.
func (s *S3Store) Save(ctx context.Context, lock Lock) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("lock store unavailable")
	}
	resource := strings.TrimSpace(lock.Resource)
	agent := strings.TrimSpace(lock.Agent)
	if resource == "" || agent == "" {
		return fmt.Errorf("resource and agent required")
	}
	if !lock.Mode.Valid() {
		return fmt.Errorf("unknown lock mode %q", lock.Mode)
	}
	createdAt := lock.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := lockRow{
		Resource:  resource,
		Agent:     agent,
		Mode:      string(lock.Mode),
		CreatedAt: createdAt.Unix(),
	}
	if !lock.ExpiresAt.IsZero() {
		if !time.Now().Before(lock.ExpiresAt) {
			// Already past its deadline; nothing worth persisting.
			return nil
		}
		row.ExpiresAt = lock.ExpiresAt.Unix()
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal lock row: %w", err)
	}

	key := s.lockKey(resource, agent)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return nil
	}
	if !isAWSErrorCode(err, "PreconditionFailed") {
		return fmt.Errorf("put lock object: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("overwrite lock object: %w", err)
	}
	return nil
}

// Release deletes the object for (resource, agent). Reports true only when
// an unexpired row existed; stale leftovers are removed but not counted.
func (s *S3Store) Release(ctx context.Context, resource, agent string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	agent = strings.TrimSpace(agent)
	if resource == "" || agent == "" {
		return false, fmt.Errorf("resource and agent required")
	}
	key := s.lockKey(resource, agent)
	lock, found, err := s.readLock(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return false, fmt.Errorf("delete lock object: %w", err)
	}
	return !lock.Expired(time.Now().UTC()), nil
}

// ReleaseAll deletes every object held by agent and returns how many of them
// were still live.
func (s *S3Store) ReleaseAll(ctx context.Context, agent string) (int, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("lock store unavailable")
	}
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return 0, fmt.Errorf("agent required")
	}
	keys, err := s.listKeys(ctx, s.locksPrefix())
	if err != nil {
		return 0, err
	}
	suffix := "/" + url.PathEscape(agent)
	now := time.Now().UTC()
	count := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		lock, found, err := s.readLock(ctx, key)
		if err != nil {
			return count, err
		}
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return count, fmt.Errorf("delete lock object: %w", err)
		}
		if found && !lock.Expired(now) {
			count++
		}
	}
	return count, nil
}

// ListActive returns all unexpired rows, optionally filtered by resource.
// Expired objects found along the way are deleted best-effort.
func (s *S3Store) ListActive(ctx context.Context, resource string) ([]Lock, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	prefix := s.locksPrefix()
	if resource = strings.TrimSpace(resource); resource != "" {
		prefix = s.resourcePrefix(resource)
	}
	keys, err := s.listKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]Lock, 0, len(keys))
	for _, key := range keys {
		lock, found, err := s.readLock(ctx, key)
		if err != nil || !found {
			continue
		}
		if lock.Expired(now) {
			_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			})
			continue
		}
		out = append(out, lock)
	}
	return out, nil
}

// CleanupExpired walks the whole lock prefix and deletes rows past their
// deadline.
func (s *S3Store) CleanupExpired(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("lock store unavailable")
	}
	keys, err := s.listKeys(ctx, s.locksPrefix())
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, key := range keys {
		lock, found, err := s.readLock(ctx, key)
		if err != nil {
			return err
		}
		if !found || !lock.Expired(now) {
			continue
		}
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("delete lock object: %w", err)
		}
	}
	return nil
}

func (s *S3Store) readLock(ctx context.Context, key string) (Lock, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return Lock{}, false, nil
		}
		return Lock{}, false, fmt.Errorf("get lock object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Lock{}, false, fmt.Errorf("read lock object: %w", err)
	}
	lock, err := decodeRow(data)
	if err != nil {
		return Lock{}, false, err
	}
	return lock, true, nil
}

func (s *S3Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list lock objects: %w", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

func (s *S3Store) locksPrefix() string {
	return s.prefix + "locks/"
}

func (s *S3Store) resourcePrefix(resource string) string {
	return s.locksPrefix() + url.PathEscape(resource) + "/"
}

func (s *S3Store) lockKey(resource, agent string) string {
	return s.resourcePrefix(resource) + url.PathEscape(agent)
}

func isAWSErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == code
	}
	return false
}
