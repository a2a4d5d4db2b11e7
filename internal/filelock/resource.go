package filelock

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/concord/internal/errors"
)

const (
	recordPrefix  = "locks/"
	reclaimPrefix = "reclaims/"
)

// maxEscapedLen keeps record file names under common 255 byte limits.
const maxEscapedLen = 200

// Resource is a normalized lock target.
type Resource struct {
	// Key is the slash-separated path relative to the repository root, or the
	// cleaned absolute path for files outside it.
	Key string
	// Path is the absolute filesystem path that gets fingerprinted.
	Path string
}

// ResolveResource normalizes a user-supplied path against root. Relative
// paths are taken relative to root, so "auth.py", "./auth.py" and
// "/repo/auth.py" all name the same resource.
func ResolveResource(root, resource string) (Resource, error) {
	if strings.TrimSpace(resource) == "" {
		return Resource{}, errors.NewValidationError("resource cannot be empty").WithField("resource")
	}

	abs := resource
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	key := filepath.ToSlash(abs)
	if rel, err := filepath.Rel(root, abs); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		key = filepath.ToSlash(rel)
	}
	if key == "." {
		return Resource{}, errors.NewValidationError("cannot lock the repository root").
			WithField("resource").WithValue(resource)
	}
	return Resource{Key: key, Path: abs}, nil
}

// recordKey maps a resource key to its storage key.
func recordKey(resourceKey string) string {
	return recordPrefix + escapeKey(resourceKey) + ".json"
}

// escapeKey makes a resource key safe as a file name. Long keys are
// truncated and suffixed with a hash so distinct resources stay distinct.
func escapeKey(resourceKey string) string {
	escaped := url.QueryEscape(resourceKey)
	if len(escaped) > maxEscapedLen {
		sum := sha256.Sum256([]byte(resourceKey))
		escaped = escaped[:maxEscapedLen-17] + "-" + hex.EncodeToString(sum[:8])
	}
	return escaped
}
