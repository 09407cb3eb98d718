package proxy

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/danmuck/edgeproxy/internal/codec"
	"github.com/tidwall/gjson"
)

const (
	queryParam      = "q"
	defaultFileName = "stream"
)

var ErrInvalidQuery = errors.New("proxy: invalid query")

type envelope struct {
	URL     string          `json:"u"`
	Headers json.RawMessage `json:"h"`
}

// EncodeQuery packs remote and headers into the q parameter value.
func EncodeQuery(remote string, headers map[string]string) (string, error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return "", fmt.Errorf("%w: remote url required", ErrInvalidQuery)
	}
	raw, err := json.Marshal(envelope{
		URL:     remote,
		Headers: json.RawMessage(codec.Encode(headers)),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// DecodeQuery unpacks a q parameter value. Padding is optional.
func DecodeQuery(encoded string) (string, map[string]string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(encoded), "=")
	if trimmed == "" {
		return "", nil, fmt.Errorf("%w: empty", ErrInvalidQuery)
	}
	raw, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if !gjson.ValidBytes(raw) {
		return "", nil, fmt.Errorf("%w: payload is not json", ErrInvalidQuery)
	}
	u := gjson.GetBytes(raw, "u")
	if u.Type != gjson.String || strings.TrimSpace(u.String()) == "" {
		return "", nil, fmt.Errorf("%w: missing url", ErrInvalidQuery)
	}
	headers := map[string]string{}
	if h := gjson.GetBytes(raw, "h"); h.Exists() {
		headers = codec.Decode(h.Raw)
	}
	return strings.TrimSpace(u.String()), headers, nil
}

// proxyPath is the escaped last path segment of remote, used as the file name
// of the proxy URL so players still see the original extension.
func proxyPath(remote string) string {
	u, err := url.Parse(remote)
	if err != nil {
		return defaultFileName
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return defaultFileName
	}
	return url.PathEscape(name)
}
