package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

const playlistHeader = "#EXTM3U"

var ErrInvalidPlaylist = errors.New("proxy: invalid hls playlist")

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// RewritePlaylist rewrites an HLS playlist fetched from playlistURL so every
// media reference is fetched through the proxy with headers attached.
// References are emitted relative to the proxy root.
func RewritePlaylist(r io.Reader, playlistURL string, headers map[string]string) (string, error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return "", fmt.Errorf("%w: base url: %v", ErrInvalidPlaylist, err)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var b strings.Builder
	first := true
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if first {
			first = false
			line = strings.TrimPrefix(line, "\ufeff")
			if strings.TrimSpace(line) != playlistHeader {
				return "", fmt.Errorf("%w: missing %s header", ErrInvalidPlaylist, playlistHeader)
			}
			writeLine(&b, playlistHeader)
			continue
		}
		switch {
		case strings.TrimSpace(line) == "":
			writeLine(&b, line)
		case strings.HasPrefix(line, "#"):
			writeLine(&b, rewriteURIAttrs(base, line, headers))
		default:
			ref, err := proxyRef(base, line, headers)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrInvalidPlaylist, err)
			}
			writeLine(&b, ref)
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("%w: read: %v", ErrInvalidPlaylist, err)
	}
	if first {
		return "", fmt.Errorf("%w: empty", ErrInvalidPlaylist)
	}
	return b.String(), nil
}

// rewriteURIAttrs handles tags such as EXT-X-KEY and EXT-X-MAP.
func rewriteURIAttrs(base *url.URL, line string, headers map[string]string) string {
	return uriAttr.ReplaceAllStringFunc(line, func(match string) string {
		sub := uriAttr.FindStringSubmatch(match)
		if len(sub) != 2 || sub[1] == "" {
			return match
		}
		ref, err := proxyRef(base, sub[1], headers)
		if err != nil {
			log.Warn().Err(err).Str("uri", sub[1]).Msg("proxy.rewriteURIAttrs kept original uri")
			return match
		}
		return `URI="` + ref + `"`
	})
}

func proxyRef(base *url.URL, ref string, headers map[string]string) (string, error) {
	u, err := base.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	remote := u.String()
	q, err := EncodeQuery(remote, headers)
	if err != nil {
		return "", err
	}
	return proxyPath(remote) + "?" + url.Values{queryParam: {q}}.Encode(), nil
}

func writeLine(b *strings.Builder, line string) {
	b.WriteString(line)
	b.WriteString("\r\n")
}
