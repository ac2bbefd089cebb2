// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package snapcache materializes tenants' database directories on local disk
// from compressed snapshots in object storage, and keeps total disk usage
// bounded with a TTL sweep plus an oldest-first pressure sweep.
//
// Layout under the cache root:
//
//	<root>/dbs/<tenant>.tar.gz   compressed snapshots (synced from object storage)
//	<root>/databases/<tenant>/   extracted, ready-to-serve directories
//	<root>/last_sweep            sweep rate-limit marker
package snapcache

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/pgzip"
)

var (
	// ErrSnapshotNotFound indicates no snapshot object exists for the
	// tenant. Distinct from ErrExtraction: the caller surfaces this as
	// "tenant not found".
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrExtraction indicates the snapshot existed but could not be
	// unpacked. The partial directory has been cleaned up; a retry starts
	// from the download.
	ErrExtraction = errors.New("snapshot extraction failed")
)

const (
	snapshotsDir = "dbs"
	databasesDir = "databases"

	// maxExtractedFileSize bounds a single file pulled out of an archive,
	// guarding against decompression bombs in tenant-supplied snapshots.
	maxExtractedFileSize = 8 << 30
)

// ObjectGetter is the slice of the S3 API the cache depends on, satisfied by
// *s3.Client.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Cache materializes tenant data directories on demand.
type Cache struct {
	root    string
	bucket  string
	storage ObjectGetter
	logger  *slog.Logger
}

// Config configures a Cache.
type Config struct {
	// Root is the local cache root directory.
	Root string

	// Bucket is the object storage bucket holding snapshots.
	Bucket string

	// Storage fetches snapshot objects.
	Storage ObjectGetter

	Logger *slog.Logger
}

// New creates a Cache and its directory skeleton.
func New(config Config) (*Cache, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	if config.Storage == nil {
		return nil, fmt.Errorf("object storage client is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{snapshotsDir, databasesDir} {
		if err := os.MkdirAll(filepath.Join(config.Root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
		}
	}
	return &Cache{
		root:    config.Root,
		bucket:  config.Bucket,
		storage: config.Storage,
		logger:  logger,
	}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// DatabasePath returns where a tenant's extracted directory lives (whether
// or not it currently exists).
func (c *Cache) DatabasePath(tenantID string) string {
	return filepath.Join(c.root, databasesDir, tenantID)
}

// snapshotKey is the object storage key for a tenant's compressed snapshot.
func snapshotKey(tenantID string) string {
	return fmt.Sprintf("%s/%s.tar.gz", snapshotsDir, tenantID)
}

// Materialize ensures the tenant's extracted database directory exists and
// returns its path. Idempotent: an existing directory is returned
// immediately. Otherwise the compressed snapshot is downloaded, unpacked
// into a scratch directory, and renamed into place so a partially extracted
// tree is never observable at the final path.
func (c *Cache) Materialize(ctx context.Context, tenantID string) (string, error) {
	dest := c.DatabasePath(tenantID)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking cache for %s: %w", tenantID, err)
	}

	c.logger.Info("materializing tenant database", "tenant_id", tenantID)

	out, err := c.storage.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(snapshotKey(tenantID)),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return "", fmt.Errorf("%w: %s", ErrSnapshotNotFound, tenantID)
		}
		return "", fmt.Errorf("downloading snapshot for %s: %w", tenantID, err)
	}
	defer func() { _ = out.Body.Close() }()

	// Extract into a scratch directory next to the destination so the final
	// rename stays on one filesystem.
	scratch, err := os.MkdirTemp(filepath.Join(c.root, databasesDir), "."+tenantID+"-")
	if err != nil {
		return "", fmt.Errorf("creating scratch directory for %s: %w", tenantID, err)
	}

	if err := extractTarGz(out.Body, scratch); err != nil {
		_ = os.RemoveAll(scratch)
		return "", fmt.Errorf("%w: %s: %v", ErrExtraction, tenantID, err)
	}

	if err := os.Rename(scratch, dest); err != nil {
		_ = os.RemoveAll(scratch)
		// A concurrent materialize may have won the rename; that directory
		// is as good as ours.
		if _, statErr := os.Stat(dest); statErr == nil {
			return dest, nil
		}
		return "", fmt.Errorf("publishing extracted directory for %s: %w", tenantID, err)
	}

	c.logger.Info("tenant database materialized", "tenant_id", tenantID, "path", dest)
	return dest, nil
}

// extractTarGz unpacks a gzip-compressed tar stream into dir.
func extractTarGz(r io.Reader, dir string) error {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		target, err := securePath(dir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating directory %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", header.Name, err)
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("creating file %s: %w", header.Name, err)
			}
			_, err = io.Copy(f, io.LimitReader(tr, maxExtractedFileSize))
			closeErr := f.Close()
			if err != nil {
				return fmt.Errorf("writing file %s: %w", header.Name, err)
			}
			if closeErr != nil {
				return fmt.Errorf("closing file %s: %w", header.Name, closeErr)
			}
		default:
			// Symlinks and special files do not belong in database
			// snapshots; skip them rather than fail the whole extract.
		}
	}
}

// securePath joins name under dir and rejects entries that escape it.
func securePath(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) && target != filepath.Clean(dir) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}
