// Package status holds the persistent, process-visible status surface that
// keeps a hosted process visible while it runs.
package status

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgeproxy/internal/observability"
	"github.com/rs/zerolog/log"
)

var ErrUnknownChannel = errors.New("status: unknown channel")

// Importance ranks how prominently a channel's notices are shown.
type Importance int

const (
	ImportanceMin Importance = iota
	ImportanceLow
	ImportanceDefault
	ImportanceHigh
)

func (i Importance) String() string {
	switch i {
	case ImportanceMin:
		return "min"
	case ImportanceLow:
		return "low"
	case ImportanceDefault:
		return "default"
	case ImportanceHigh:
		return "high"
	default:
		return fmt.Sprintf("importance(%d)", int(i))
	}
}

// Channel groups notices under one id.
type Channel struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Importance Importance `json:"importance"`
}

// Notice is the currently shown entry for one channel.
type Notice struct {
	ChannelID string    `json:"channel_id"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	TapTarget string    `json:"tap_target,omitempty"`
	Ongoing   bool      `json:"ongoing"`
	UpdatedAt time.Time `json:"updated_at"`
	// Seq increases with every Show on the surface; it identifies one
	// showing of a notice.
	Seq uint64 `json:"seq"`
}

// Surface is the status indicator contract used by hosted processes.
type Surface interface {
	// CreateOnce registers a channel; it reports whether the channel was new.
	CreateOnce(channelID, name string, importance Importance) bool
	Show(channelID, title, text, tapTarget string, ongoing bool) error
	Dismiss(channelID string)
	// Current returns the notice shown on channelID, if any.
	Current(channelID string) (Notice, bool)
}

// Board is an in-memory Surface that logs every change.
type Board struct {
	mu       sync.RWMutex
	channels map[string]Channel
	notices  map[string]Notice
	seq      uint64
	now      func() time.Time
}

var _ Surface = (*Board)(nil)

func NewBoard() *Board {
	return &Board{
		channels: make(map[string]Channel),
		notices:  make(map[string]Notice),
		now:      time.Now,
	}
}

func (b *Board) CreateOnce(channelID, name string, importance Importance) bool {
	id := strings.TrimSpace(channelID)
	if id == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[id]; ok {
		return false
	}
	b.channels[id] = Channel{ID: id, Name: strings.TrimSpace(name), Importance: importance}
	log.Debug().
		Str("channel", id).
		Str("name", name).
		Stringer("importance", importance).
		Msg("status.Board.CreateOnce created channel")
	return true
}

func (b *Board) Show(channelID, title, text, tapTarget string, ongoing bool) error {
	id := strings.TrimSpace(channelID)
	b.mu.Lock()
	if _, ok := b.channels[id]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownChannel, id)
	}
	b.seq++
	b.notices[id] = Notice{
		ChannelID: id,
		Title:     title,
		Text:      text,
		TapTarget: tapTarget,
		Ongoing:   ongoing,
		UpdatedAt: b.now(),
		Seq:       b.seq,
	}
	count := len(b.notices)
	b.mu.Unlock()

	observability.SetStatusNotices(count)
	log.Info().
		Str("channel", id).
		Str("title", title).
		Str("text", text).
		Bool("ongoing", ongoing).
		Msg("status.Board.Show")
	return nil
}

func (b *Board) Dismiss(channelID string) {
	id := strings.TrimSpace(channelID)
	b.mu.Lock()
	_, shown := b.notices[id]
	delete(b.notices, id)
	count := len(b.notices)
	b.mu.Unlock()
	if !shown {
		return
	}
	observability.SetStatusNotices(count)
	log.Info().Str("channel", id).Msg("status.Board.Dismiss")
}

// Current returns the notice shown on channelID, if any.
func (b *Board) Current(channelID string) (Notice, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.notices[strings.TrimSpace(channelID)]
	return n, ok
}

// Notices returns all shown notices ordered by channel id.
func (b *Board) Notices() []Notice {
	b.mu.RLock()
	out := make([]Notice, 0, len(b.notices))
	for _, n := range b.notices {
		out = append(out, n)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

// Channels returns registered channels ordered by id.
func (b *Board) Channels() []Channel {
	b.mu.RLock()
	out := make([]Channel, 0, len(b.channels))
	for _, c := range b.channels {
		out = append(out, c)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
