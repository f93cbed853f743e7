// Package vault provides depot.Vault implementations: a local directory, an
// in-memory store for tests, and an S3 bucket.
package vault

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateName rejects chunk and manifest identifiers that could escape a
// vault's namespace or name a directory other than their own.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s id must not be empty", kind)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid %s id: %q", kind, name)
	}
	return nil
}

// chunkHTTPURL builds the URL under which the depot HTTP endpoint serves a chunk.
func chunkHTTPURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/chunks/" + url.PathEscape(id)
}
