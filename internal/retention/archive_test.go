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
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"driftlog/internal/storage"
)

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*params.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3ArchiverUploadsDataAndIndex(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "00000000000000000100.log")
	indexPath := filepath.Join(dir, "00000000000000000100.index")
	if err := os.WriteFile(dataPath, []byte("segment bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(indexPath, []byte("index bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	api := &fakeS3{}
	a := newS3ArchiverWithAPI("backups", "cold", api)
	err := a.ArchiveSegment(context.Background(), "orders-0", storage.SegmentInfo{
		BaseOffset: 100,
		DataPath:   dataPath,
		IndexPath:  indexPath,
	})
	if err != nil {
		t.Fatalf("ArchiveSegment failed: %v", err)
	}

	if got := api.objects["cold/orders-0/00000000000000000100.log"]; string(got) != "segment bytes" {
		t.Errorf("Expected segment data uploaded, got %q", got)
	}
	if got := api.objects["cold/orders-0/00000000000000000100.index"]; string(got) != "index bytes" {
		t.Errorf("Expected index sidecar uploaded, got %q", got)
	}
}

func TestNewS3ArchiverRequiresBucketAndRegion(t *testing.T) {
	if _, err := NewS3Archiver(context.Background(), S3Config{Region: "us-east-1"}); err == nil {
		t.Error("Expected an error without a bucket")
	}
	if _, err := NewS3Archiver(context.Background(), S3Config{Bucket: "b"}); err == nil {
		t.Error("Expected an error without a region")
	}
}
