package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const s3OperationTimeout = 10 * time.Second

// S3Config addresses the bucket that holds documents. Endpoint and
// PathStyle point the client at S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

type s3ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3StateBackend stores each field as its own object at
// <prefix>/<collection>/<id>/<field>.json.
type S3StateBackend struct {
	client s3ObjectAPI
	bucket string
	prefix string
}

func NewS3StateBackend(ctx context.Context, cfg S3Config) (*S3StateBackend, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("%w: s3 bucket required", ErrInvalidInput)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3StateBackend(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3StateBackend(client s3ObjectAPI, bucket, prefix string) *S3StateBackend {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3StateBackend{client: client, bucket: bucket, prefix: prefix}
}

func (b *S3StateBackend) Load() ([]Document, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3OperationTimeout)
	defer cancel()

	docs := map[Key]Document{}
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		for _, obj := range out.Contents {
			objectKey := aws.ToString(obj.Key)
			key, name, ok := b.parseObjectKey(objectKey)
			if !ok {
				continue
			}
			field, err := b.getField(ctx, objectKey)
			if err != nil {
				return nil, err
			}
			doc, exists := docs[key]
			if !exists {
				doc = Document{Collection: key.Collection, ID: key.ID, Fields: map[string]Field{}}
			}
			doc.Fields[name] = field
			doc.Revision = max(doc.Revision, field.Revision)
			docs[key] = doc
		}
		if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	return sortedDocuments(docs), nil
}

func (b *S3StateBackend) getField(ctx context.Context, objectKey string) (Field, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(objectKey)})
	if err != nil {
		return Field{}, fmt.Errorf("get %s: %w", objectKey, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Field{}, fmt.Errorf("read %s: %w", objectKey, err)
	}
	var field Field
	if err := json.Unmarshal(data, &field); err != nil {
		return Field{}, fmt.Errorf("decode %s: %w", objectKey, err)
	}
	return field, nil
}

func (b *S3StateBackend) SaveFields(doc Document, changed []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s3OperationTimeout)
	defer cancel()
	for _, name := range changed {
		field, ok := doc.Fields[name]
		if !ok {
			return fmt.Errorf("%w: field %q missing from document", ErrInvalidInput, name)
		}
		data, err := json.Marshal(field)
		if err != nil {
			return err
		}
		objectKey := b.objectKey(doc.Key(), name)
		if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(objectKey),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		}); err != nil {
			return fmt.Errorf("put %s: %w", objectKey, err)
		}
	}
	return nil
}

func (b *S3StateBackend) objectKey(key Key, field string) string {
	return b.prefix + url.PathEscape(key.Collection) + "/" + url.PathEscape(key.ID) + "/" + url.PathEscape(field) + ".json"
}

func (b *S3StateBackend) parseObjectKey(objectKey string) (Key, string, bool) {
	rest, ok := strings.CutPrefix(objectKey, b.prefix)
	if !ok {
		return Key{}, "", false
	}
	rest, ok = strings.CutSuffix(rest, ".json")
	if !ok {
		return Key{}, "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return Key{}, "", false
	}
	unescaped := make([]string, len(parts))
	for i, part := range parts {
		value, err := url.PathUnescape(part)
		if err != nil || value == "" {
			return Key{}, "", false
		}
		unescaped[i] = value
	}
	return Key{Collection: unescaped[0], ID: unescaped[1]}, unescaped[2], true
}
