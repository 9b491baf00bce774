// Package objstore reads and writes trace artifacts at file://, s3://,
// gs:// and azure:// URIs. Cloud schemes go through gocloud.dev/blob,
// which loads provider credentials from the environment; file:// bypasses
// it and talks to the local filesystem directly, since the driver's trace
// is usually mounted into its container.
package objstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

// Get fetches the entire object at uri.
func Get(ctx context.Context, uri string) ([]byte, error) {
	if path, ok := localPath(uri); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("objstore: read %s: %w", uri, err)
		}
		return data, nil
	}

	bucket, key, err := openBucket(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer bucket.Close()

	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("objstore: read %s: %w", uri, err)
	}
	return data, nil
}

// Put writes data to uri, creating parent directories for file:// targets.
func Put(ctx context.Context, uri string, data []byte) error {
	if path, ok := localPath(uri); ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("objstore: mkdir for %s: %w", uri, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("objstore: write %s: %w", uri, err)
		}
		return nil
	}

	bucket, key, err := openBucket(ctx, uri)
	if err != nil {
		return err
	}
	defer bucket.Close()

	if err := bucket.WriteAll(ctx, key, data, nil); err != nil {
		return fmt.Errorf("objstore: write %s: %w", uri, err)
	}
	return nil
}

// localPath extracts the filesystem path from a file:// URI. A bare path
// with no scheme is also treated as local, matching how the trace URI is
// usually spelled when the trace is volume-mounted into the driver pod.
func localPath(uri string) (string, bool) {
	if path, ok := strings.CutPrefix(uri, "file://"); ok {
		return path, true
	}
	if !strings.Contains(uri, "://") {
		return uri, true
	}
	return "", false
}

// openBucket splits a cloud URI into its bucket URL and object key and
// opens the bucket. Trace URIs spell the Azure scheme azure://; gocloud
// registers the same driver under azblob://, so it is remapped before
// opening.
func openBucket(ctx context.Context, uri string) (*blob.Bucket, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, "", fmt.Errorf("objstore: parse uri %s: %w", uri, err)
	}

	scheme := u.Scheme
	if scheme == "azure" {
		scheme = "azblob"
	}
	switch scheme {
	case "s3", "gs", "azblob":
	default:
		return nil, "", fmt.Errorf("objstore: unsupported scheme %q in %s", u.Scheme, uri)
	}

	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return nil, "", fmt.Errorf("objstore: uri %s has no object key", uri)
	}

	bucketURL := fmt.Sprintf("%s://%s", scheme, u.Host)
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, "", fmt.Errorf("objstore: open bucket %s: %w", bucketURL, err)
	}
	return bucket, key, nil
}
