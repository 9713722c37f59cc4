/*
 * Copyright (c) 2026 The Driftlog Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package retention

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"driftlog/internal/storage"
)

// Archiver uploads a sealed segment to long-term storage before retention
// deletes it locally.
type Archiver interface {
	ArchiveSegment(ctx context.Context, logName string, info storage.SegmentInfo) error
}

// S3Config configures the S3-compatible archive target. Endpoint and the
// static credential fields are for MinIO-style deployments; leave them
// empty to use the default AWS credential chain.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ForcePathStyle  bool
	Prefix          string
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Archiver struct {
	bucket string
	prefix string
	api    s3API
}

// NewS3Archiver returns an Archiver backed by an S3-compatible bucket.
func NewS3Archiver(ctx context.Context, cfg S3Config) (Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket required")
	}
	if cfg.Region == "" {
		return nil, errors.New("archive region required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:           cfg.Endpoint,
					PartitionID:   "aws",
					SigningRegion: cfg.Region,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return newS3ArchiverWithAPI(cfg.Bucket, cfg.Prefix, client), nil
}

func newS3ArchiverWithAPI(bucket, prefix string, api s3API) Archiver {
	return &s3Archiver{bucket: bucket, prefix: prefix, api: api}
}

// ArchiveSegment uploads the segment's data file and index sidecar under
// <prefix>/<logName>/<filename>. Segments are bounded in size, so a plain
// read-then-put is acceptable; multipart upload is not needed here.
func (a *s3Archiver) ArchiveSegment(ctx context.Context, logName string, info storage.SegmentInfo) error {
	if err := a.putFile(ctx, logName, info.DataPath); err != nil {
		return err
	}
	return a.putFile(ctx, logName, info.IndexPath)
}

func (a *s3Archiver) putFile(ctx context.Context, logName, file string) error {
	body, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	key := path.Join(a.prefix, logName, filepath.Base(file))
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}
