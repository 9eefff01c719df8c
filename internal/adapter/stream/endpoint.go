package stream

import (
	"fmt"
	"net/url"
	"strings"

	"govstream/internal/domain"
)

// PathTemplate is an EndpointResolver whose "{id}" placeholder is replaced
// with the path-escaped operation id.
type PathTemplate string

// Resolve implements domain.EndpointResolver.
func (t PathTemplate) Resolve(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: empty operation id", domain.ErrInvalidInput)
	}
	return strings.ReplaceAll(string(t), "{id}", url.PathEscape(id)), nil
}

// JoinURL prepends base to a relative path, tolerating slashes on either side.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

var _ domain.EndpointResolver = PathTemplate("")
