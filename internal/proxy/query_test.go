package proxy

import (
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/danmuck/edgeproxy/internal/testutil/testlog"
)

func TestQueryRoundTrip(t *testing.T) {
	testlog.Start(t)

	q, err := EncodeQuery(" https://cdn.example/v/master.m3u8 ", map[string]string{
		"Referer":    "https://site.example/",
		"User-Agent": "edgeproxy",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	remote, headers, err := DecodeQuery(q)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if remote != "https://cdn.example/v/master.m3u8" {
		t.Fatalf("unexpected remote: %q", remote)
	}
	if len(headers) != 2 || headers["User-Agent"] != "edgeproxy" {
		t.Fatalf("unexpected headers: %+v", headers)
	}

	// padding is optional on the way in
	if _, _, err := DecodeQuery(strings.TrimRight(q, "=")); err != nil {
		t.Fatalf("decode unpadded: %v", err)
	}
}

func TestDecodeQueryWithoutHeaders(t *testing.T) {
	testlog.Start(t)

	q := base64.RawURLEncoding.EncodeToString([]byte(`{"u":"https://cdn.example/a.ts"}`))
	remote, headers, err := DecodeQuery(q)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if remote != "https://cdn.example/a.ts" || len(headers) != 0 {
		t.Fatalf("unexpected decode: %q %+v", remote, headers)
	}
}

func TestDecodeQueryErrors(t *testing.T) {
	testlog.Start(t)

	inputs := []string{
		"",
		"***",
		base64.RawURLEncoding.EncodeToString([]byte(`[1,2]`)),
		base64.RawURLEncoding.EncodeToString([]byte(`{"u":1}`)),
		base64.RawURLEncoding.EncodeToString([]byte(`{"h":{}}`)),
	}
	for _, in := range inputs {
		if _, _, err := DecodeQuery(in); !errors.Is(err, ErrInvalidQuery) {
			t.Fatalf("input %q: expected ErrInvalidQuery, got %v", in, err)
		}
	}
	if _, err := EncodeQuery("  ", nil); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery for blank remote, got %v", err)
	}
}

func TestProxyPath(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"https://cdn.example/v/index.m3u8?token=1": "index.m3u8",
		"https://cdn.example/":                     defaultFileName,
		"https://cdn.example":                      defaultFileName,
		"https://cdn.example/a%20b.ts":             "a%20b.ts",
	}
	for in, want := range cases {
		if got := proxyPath(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}

func TestRewritePlaylist(t *testing.T) {
	testlog.Start(t)

	src := strings.Join([]string{
		"\ufeff#EXTM3U",
		"#EXT-X-VERSION:3",
		`#EXT-X-KEY:METHOD=AES-128,URI="keys/k1.bin"`,
		"#EXTINF:6.0,",
		"seg-0.ts",
		"",
		"#EXTINF:6.0,",
		"https://other.example/abs/seg-1.ts",
	}, "\n")

	out, err := RewritePlaylist(strings.NewReader(src), "https://cdn.example/live/index.m3u8", map[string]string{"Referer": "r"})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if strings.Contains(out, "\n") && !strings.Contains(out, "\r\n") {
		t.Fatalf("expected CRLF line endings")
	}
	lines := strings.Split(strings.TrimSuffix(out, "\r\n"), "\r\n")
	if len(lines) != 8 {
		t.Fatalf("unexpected line count %d: %q", len(lines), out)
	}
	if lines[0] != "#EXTM3U" || lines[1] != "#EXT-X-VERSION:3" || lines[5] != "" {
		t.Fatalf("unexpected passthrough lines: %q", lines)
	}

	keyRef := strings.TrimSuffix(strings.SplitN(lines[2], `URI="`, 2)[1], `"`)
	assertProxyRef(t, keyRef, "k1.bin", "https://cdn.example/live/keys/k1.bin")
	assertProxyRef(t, lines[4], "seg-0.ts", "https://cdn.example/live/seg-0.ts")
	assertProxyRef(t, lines[7], "seg-1.ts", "https://other.example/abs/seg-1.ts")
}

func TestRewritePlaylistRequiresHeader(t *testing.T) {
	testlog.Start(t)

	for _, src := range []string{"", "seg.ts\n", "#EXTINF:1,\nseg.ts\n"} {
		if _, err := RewritePlaylist(strings.NewReader(src), "https://cdn.example/a.m3u8", nil); !errors.Is(err, ErrInvalidPlaylist) {
			t.Fatalf("src %q: expected ErrInvalidPlaylist, got %v", src, err)
		}
	}
}

func assertProxyRef(t *testing.T, ref, name, remote string) {
	t.Helper()
	parts := strings.SplitN(ref, "?", 2)
	if len(parts) != 2 || parts[0] != name {
		t.Fatalf("unexpected proxy ref %q", ref)
	}
	values, err := url.ParseQuery(parts[1])
	if err != nil {
		t.Fatalf("parse ref %q: %v", ref, err)
	}
	got, headers, err := DecodeQuery(values.Get("q"))
	if err != nil {
		t.Fatalf("decode ref %q: %v", ref, err)
	}
	if got != remote {
		t.Fatalf("ref %q: got remote %q want %q", ref, got, remote)
	}
	if headers["Referer"] != "r" {
		t.Fatalf("ref %q: headers not carried: %+v", ref, headers)
	}
}
