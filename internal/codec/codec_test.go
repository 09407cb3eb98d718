package codec

import (
	"testing"

	"github.com/danmuck/edgeproxy/internal/testutil/testlog"
)

func TestEncodeSortsKeys(t *testing.T) {
	testlog.Start(t)
	got := Encode(map[string]string{
		"User-Agent": "edgeproxy",
		"Referer":    "https://example.test/",
		"Accept":     "*/*",
	})
	want := `{"Accept":"*/*","Referer":"https://example.test/","User-Agent":"edgeproxy"}`
	if got != want {
		t.Fatalf("unexpected encoding:\n got %s\nwant %s", got, want)
	}
	if Encode(nil) != "{}" {
		t.Fatalf("expected empty object for nil map")
	}
}

func TestDecodeObject(t *testing.T) {
	testlog.Start(t)
	got := Decode(`{"Referer":"https://example.test/","X-Token":"a.b\"c"}`)
	if len(got) != 2 {
		t.Fatalf("unexpected map: %+v", got)
	}
	if got["X-Token"] != `a.b"c` {
		t.Fatalf("unexpected escaped value: %q", got["X-Token"])
	}
}

func TestDecodeNonObjectReturnsEmpty(t *testing.T) {
	testlog.Start(t)
	for _, raw := range []string{"", "{", "not json", `["a","b"]`, `"text"`} {
		got := Decode(raw)
		if got == nil || len(got) != 0 {
			t.Fatalf("expected empty non-nil map for %q, got %+v", raw, got)
		}
	}
}

func TestDecodeTruncatedKeepsPartialMap(t *testing.T) {
	testlog.Start(t)
	got := Decode(`{"Referer":"https://a","User-Agent":"x",`)
	if len(got) != 2 || got["Referer"] != "https://a" || got["User-Agent"] != "x" {
		t.Fatalf("expected both members before truncation, got %+v", got)
	}
	got = Decode(`{"Referer":"https://a","Origin":`)
	if len(got) != 1 || got["Referer"] != "https://a" {
		t.Fatalf("expected member before dangling key, got %+v", got)
	}
}

func TestDecodeScalarMembersAsText(t *testing.T) {
	testlog.Start(t)
	got := Decode(`{"Referer":"https://a","X-Num":5,"X-Flag":true,"Origin":"o"}`)
	want := map[string]string{"Referer": "https://a", "X-Num": "5", "X-Flag": "true", "Origin": "o"}
	if len(got) != len(want) {
		t.Fatalf("unexpected map: %+v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s: got %q want %q", k, got[k], v)
		}
	}
}

func TestDecodeStopsAtNestedMember(t *testing.T) {
	testlog.Start(t)
	for _, raw := range []string{
		`{"a":"1","b":{"x":"y"},"c":"3"}`,
		`{"a":"1","b":["x"],"c":"3"}`,
		`{"a":"1","b":null,"c":"3"}`,
	} {
		got := Decode(raw)
		if len(got) != 1 || got["a"] != "1" {
			t.Fatalf("%s: expected partial map with only a, got %+v", raw, got)
		}
	}
}
