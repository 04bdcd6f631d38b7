package docstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// BuildStateBackendFromDSN selects a backend by DSN scheme. An empty DSN
// yields a nil backend, which keeps documents in memory only.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStateBackend(path)
	case "s3":
		cfg, cfgErr := s3ConfigFromDSN(parsed)
		if cfgErr != nil {
			return nil, cfgErr
		}
		backend, s3Err := NewS3StateBackend(context.Background(), cfg)
		if s3Err != nil {
			return nil, s3Err
		}
		return backend, nil
	case "mysql", "redis":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

// s3ConfigFromDSN reads s3://bucket/prefix?region=&endpoint=&path_style=.
// Credentials come from the default AWS chain.
func s3ConfigFromDSN(parsed *url.URL) (S3Config, error) {
	bucket := strings.TrimSpace(parsed.Host)
	if bucket == "" {
		return S3Config{}, fmt.Errorf("%w: s3 dsn needs a bucket", ErrInvalidInput)
	}
	query := parsed.Query()
	cfg := S3Config{
		Bucket:   bucket,
		Prefix:   strings.Trim(parsed.Path, "/"),
		Region:   query.Get("region"),
		Endpoint: query.Get("endpoint"),
	}
	if raw := query.Get("path_style"); raw != "" {
		pathStyle, err := strconv.ParseBool(raw)
		if err != nil {
			return S3Config{}, fmt.Errorf("%w: path_style=%q", ErrInvalidInput, raw)
		}
		cfg.PathStyle = pathStyle
	}
	return cfg, nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if parsed.Host != "" && path != "" {
		path = parsed.Host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
