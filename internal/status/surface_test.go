package status

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/edgeproxy/internal/testutil/testlog"
)

func TestCreateOnceIsIdempotent(t *testing.T) {
	testlog.Start(t)
	b := NewBoard()
	if !b.CreateOnce("PROXY_SERVER", "Proxy Server", ImportanceLow) {
		t.Fatalf("expected first create to report new channel")
	}
	if b.CreateOnce("PROXY_SERVER", "Renamed", ImportanceHigh) {
		t.Fatalf("expected second create to be a no-op")
	}
	chans := b.Channels()
	if len(chans) != 1 || chans[0].Name != "Proxy Server" || chans[0].Importance != ImportanceLow {
		t.Fatalf("unexpected channels: %+v", chans)
	}
	if b.CreateOnce("  ", "blank", ImportanceLow) {
		t.Fatalf("expected blank channel id to be rejected")
	}
}

func TestShowRequiresChannel(t *testing.T) {
	testlog.Start(t)
	b := NewBoard()
	err := b.Show("missing", "Streamed Proxy", "Proxy running @ 127.0.0.1:1111", "", true)
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestShowReplacesAndDismissClears(t *testing.T) {
	testlog.Start(t)
	b := NewBoard()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.now = func() time.Time { return fixed }
	b.CreateOnce("PROXY_SERVER", "Proxy Server", ImportanceLow)

	if err := b.Show("PROXY_SERVER", "Streamed Proxy", "starting", "", true); err != nil {
		t.Fatalf("show: %v", err)
	}
	if err := b.Show("PROXY_SERVER", "Streamed Proxy", "Proxy running @ 127.0.0.1:1111", "app://main", true); err != nil {
		t.Fatalf("show: %v", err)
	}
	n, ok := b.Current("PROXY_SERVER")
	if !ok {
		t.Fatalf("expected current notice")
	}
	if n.Text != "Proxy running @ 127.0.0.1:1111" || n.TapTarget != "app://main" || !n.Ongoing || !n.UpdatedAt.Equal(fixed) {
		t.Fatalf("unexpected notice: %+v", n)
	}
	if n.Seq != 2 {
		t.Fatalf("expected seq 2 after two shows, got %d", n.Seq)
	}
	if len(b.Notices()) != 1 {
		t.Fatalf("expected one notice, got %+v", b.Notices())
	}

	b.Dismiss("PROXY_SERVER")
	b.Dismiss("PROXY_SERVER")
	if _, ok := b.Current("PROXY_SERVER"); ok {
		t.Fatalf("expected notice dismissed")
	}
	if len(b.Channels()) != 1 {
		t.Fatalf("dismiss must keep the channel registered")
	}
}
