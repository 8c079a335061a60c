package backup

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildFastStoreFromDSN(dsn string) (FastStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryFastStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFastStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryFastStore(), nil
	case "", "file":
		dir, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileFastStore(dir)
	default:
		return nil, fmt.Errorf("%w: fast store %s", ErrUnsupportedScheme, scheme)
	}
}

func BuildDurableStoreFromDSN(dsn string) (DurableStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryDurableStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupDurableStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryDurableStore(), nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileDurableStore(path), nil
	case "postgres", "postgresql":
		return NewPostgresDurableStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteDurableStore(path)
	case "redis", "rediss":
		return NewRedisDurableStore(dsn)
	default:
		return nil, fmt.Errorf("%w: durable store %s", ErrUnsupportedScheme, scheme)
	}
}

// dsnPath extracts a filesystem path from file://, sqlite:// and bare DSNs.
// file://relative/dir keeps the host as the first path element.
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
	if parsed.Opaque != "" {
		return strings.TrimSpace(parsed.Opaque), nil
	}
	path := strings.TrimSpace(parsed.Path)
	host := strings.TrimSpace(parsed.Host)
	if host != "" {
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
