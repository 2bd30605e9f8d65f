// Package storage abstracts the object store holding archived audit
// batches. Archive files are parquet, keyed by account and UTC day, so
// per-account retention and export stay prefix operations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

var accountComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildAuditFilePath keys one archived audit batch:
// account=<id>/date=<day>/audit-<sequence>.parquet.
func BuildAuditFilePath(accountID string, day time.Time, sequence int) (string, error) {
	if !accountComponentPattern.MatchString(accountID) {
		return "", fmt.Errorf("invalid account id: %q", accountID)
	}
	if sequence < 0 {
		return "", fmt.Errorf("sequence must be >= 0")
	}

	ts := day.UTC()
	return path.Join(
		"account="+accountID,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("audit-%05d.parquet", sequence),
	), nil
}
