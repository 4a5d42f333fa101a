// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldapi

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink stores assembled media and returns the URL it is served from.
type Sink interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// StorageKey builds the object key for an assembled media file.
func StorageKey(userID, mediaID, filename string, at time.Time) string {
	name := filepath.Base(filename)
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	return fmt.Sprintf("media/%s/%d/%02d/%s/%s", safeSegment(userID), at.Year(), int(at.Month()), safeSegment(mediaID), name)
}

func safeSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}

// FileSink writes media under Dir and links it below BaseURL.
type FileSink struct {
	Dir     string
	BaseURL string
}

func (s *FileSink) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	path := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to move media file into place: %w", err)
	}
	u, err := url.JoinPath(s.BaseURL, key)
	if err != nil {
		return "", fmt.Errorf("failed to build media url: %w", err)
	}
	return u, nil
}

// S3Config configures an S3 compatible media sink (AWS or MinIO).
type S3Config struct {
	Region       string
	Bucket       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	// PublicURL, when set, replaces the bucket URL in returned links.
	PublicURL string
}

// S3Sink stores media as S3 objects.
type S3Sink struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3Sink builds an S3 client from static credentials when given, the
// default credential chain otherwise.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Sink{client: client, cfg: cfg}, nil
}

func (s *S3Sink) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to put s3 object %s: %w", key, err)
	}
	return s.objectURL(key)
}

func (s *S3Sink) objectURL(key string) (string, error) {
	switch {
	case s.cfg.PublicURL != "":
		return url.JoinPath(s.cfg.PublicURL, key)
	case s.cfg.Endpoint != "":
		return url.JoinPath(s.cfg.Endpoint, s.cfg.Bucket, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key), nil
	}
}
