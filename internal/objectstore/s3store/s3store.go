// Package s3store implements objectstore.Store with the AWS SDK v2 S3 client. It is
// used for S3-compatible endpoints that need a static key pair, a custom endpoint
// or path-style addressing.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/italolelis/dataset_relay/internal/objectstore"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

// MultipartThreshold is the size above which uploads go through the multipart uploader.
const MultipartThreshold = 100 * 1024 * 1024

const listPageSize = 1000

// Error codes S3 and compatible stores return for a rejected identity.
var credentialCodes = map[string]bool{
	"AccessDenied":                true,
	"InvalidAccessKeyId":          true,
	"SignatureDoesNotMatch":       true,
	"ExpiredToken":                true,
	"InvalidToken":                true,
	"TokenRefreshRequired":        true,
	"AllAccessDisabled":           true,
	"AccountProblem":              true,
	"InvalidClientTokenId":        true,
	"UnrecognizedClientException": true,
}

// Config holds the S3 connection settings.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// SessionToken is optional.
	SessionToken string
}

// API is the subset of the S3 client used by Store.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store is an objectstore.Store backed by an S3 bucket.
type Store struct {
	client   API
	uploader *manager.Uploader
	bucket   string
}

// New builds the S3 client. Static credentials are used when both keys are set,
// otherwise the default AWS credential chain applies. A chain that yields no
// credentials fails here with a *transfer.CredentialsError.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			cfg.SessionToken,
		))
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newFromAWSConfig(ctx, awsCfg, cfg)
}

func newFromAWSConfig(ctx context.Context, awsCfg aws.Config, cfg Config) (*Store, error) {
	if awsCfg.Credentials == nil {
		return nil, &transfer.CredentialsError{Operation: "resolve credentials", Err: errors.New("no credential provider configured")}
	}

	if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
		return nil, &transfer.CredentialsError{Operation: "resolve credentials", Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
	}, nil
}

// NewWithClient wraps an existing client. Multipart uploads are disabled unless the
// client is a *s3.Client.
func NewWithClient(client API, bucket string) *Store {
	s := &Store{client: client, bucket: bucket}

	if c, ok := client.(*s3.Client); ok {
		s.uploader = manager.NewUploader(c)
	}

	return s
}

// Exists issues a HEAD request for key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	if isNotFound(err) {
		return false, nil
	}

	return false, classify("exists", key, err)
}

// Put uploads r. Objects above MultipartThreshold use the multipart uploader.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	var err error

	if size > MultipartThreshold && s.uploader != nil {
		_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   r,
		})
	} else {
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          r,
			ContentLength: aws.Int64(size),
		})
	}

	if err != nil {
		return classify("put", key, err)
	}

	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return classify("delete", key, err)
	}

	return nil
}

// List pages through every object under prefix, skipping zero-byte folder placeholders.
func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.Object, error) {
	var (
		objects []objectstore.Object
		token   *string
	)

	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			MaxKeys:           aws.Int32(listPageSize),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, classify("list", prefix, err)
		}

		for _, obj := range resp.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || (key[len(key)-1] == '/' && aws.ToInt64(obj.Size) == 0) {
				continue
			}

			objects = append(objects, objectstore.Object{
				Key:     key,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}

		if resp.NextContinuationToken == nil || *resp.NextContinuationToken == "" {
			break
		}

		token = resp.NextContinuationToken
	}

	return objects, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close() error {
	return nil
}

func classify(operation, key string, err error) error {
	return objectstore.Classify(operation, key, isCredentialError(err), err)
}

func isCredentialError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return credentialCodes[apiErr.ErrorCode()]
	}

	// The SDK resolves the signing identity before sending anything. Failures there
	// carry no typed error, only these wrapping messages.
	msg := err.Error()

	return strings.Contains(msg, "get identity: ") ||
		strings.Contains(msg, "get credentials: ") ||
		strings.Contains(msg, "failed to refresh cached credentials")
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}

	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}

	return false
}
