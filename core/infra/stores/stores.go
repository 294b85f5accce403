// Package stores opens the job and record stores named by configuration.
package stores

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/cordum/reqflow/core/controlplane/scheduler"
	"github.com/cordum/reqflow/core/infra/memory"
	"github.com/cordum/reqflow/core/infra/recorddb"
	"github.com/cordum/reqflow/core/infra/sqlstore"
	"github.com/cordum/reqflow/core/request"
)

// JobStore is a scheduler.JobStore that owns a connection.
type JobStore interface {
	scheduler.JobStore
	Close() error
}

// RecordStore is a request.RecordStore that owns a connection.
type RecordStore interface {
	request.RecordStore
	Close() error
}

// OpenJobStore picks the backend from the URL scheme.
func OpenJobStore(ctx context.Context, rawURL string) (JobStore, error) {
	switch scheme(rawURL) {
	case "redis", "rediss":
		store, err := memory.NewRedisScheduledJobStore(rawURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres", "postgresql":
		store, err := sqlstore.NewPostgresJobStore(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported job store url %q", redact(rawURL))
	}
}

// OpenRecordStore uses Postgres when dsn is set and Redis otherwise.
func OpenRecordStore(ctx context.Context, redisURL, dsn string) (RecordStore, error) {
	if strings.TrimSpace(dsn) != "" {
		store, err := recorddb.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := memory.NewRedisRecordStore(redisURL)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func scheme(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	return u.Redacted()
}
