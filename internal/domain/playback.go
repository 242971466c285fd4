package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

type EventType string

const (
	EventPlay       EventType = "play"
	EventPause      EventType = "pause"
	EventSeek       EventType = "seek"
	EventURL        EventType = "url"
	EventTimeUpdate EventType = "timeupdate"
)

const MaxURLLen = 2048

var ErrInvalidEvent = errors.New("invalid player event")

// PlayerEvent is a playback intent or heartbeat broadcast inside a room.
type PlayerEvent struct {
	Type       EventType `json:"type"`
	Time       *float64  `json:"time,omitempty"`
	URL        string    `json:"url,omitempty"`
	ContentRef string    `json:"contentRef,omitempty"`
	Actor      string    `json:"actor,omitempty"`
}

// PlaybackPatch is a partial room update. Nil fields are left untouched.
type PlaybackPatch struct {
	VideoURL    *string
	ContentRef  *string
	CurrentTime *float64
	IsPlaying   *bool
}

func (p PlaybackPatch) Empty() bool {
	return p.VideoURL == nil && p.ContentRef == nil && p.CurrentTime == nil && p.IsPlaying == nil
}

// Apply writes the non-nil fields onto r.
func (p PlaybackPatch) Apply(r *Room) {
	if p.VideoURL != nil {
		r.VideoURL = *p.VideoURL
	}
	if p.ContentRef != nil {
		r.ContentRef = *p.ContentRef
	}
	if p.CurrentTime != nil {
		r.CurrentTime = *p.CurrentTime
	}
	if p.IsPlaying != nil {
		r.IsPlaying = *p.IsPlaying
	}
}

func (t EventType) Known() bool {
	switch t {
	case EventPlay, EventPause, EventSeek, EventURL, EventTimeUpdate:
		return true
	}
	return false
}

// Suppressible reports whether a local callback of this type can be an echo.
func (t EventType) Suppressible() bool {
	return t == EventPlay || t == EventPause || t == EventSeek
}

// Validate rejects events a room must never broadcast.
func (e PlayerEvent) Validate() error {
	if !e.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.Time != nil {
		t := *e.Time
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
			return fmt.Errorf("%w: bad time %v", ErrInvalidEvent, t)
		}
	}
	switch e.Type {
	case EventSeek, EventTimeUpdate:
		if e.Time == nil {
			return fmt.Errorf("%w: %s requires time", ErrInvalidEvent, e.Type)
		}
	case EventURL:
		if strings.TrimSpace(e.URL) == "" {
			return fmt.Errorf("%w: url requires url", ErrInvalidEvent)
		}
	}
	if len(e.URL) > MaxURLLen || len(e.ContentRef) > MaxURLLen {
		return fmt.Errorf("%w: url too long", ErrInvalidEvent)
	}
	return nil
}

// TimeOr returns the event time or def when absent.
func (e PlayerEvent) TimeOr(def float64) float64 {
	if e.Time == nil {
		return def
	}
	return *e.Time
}

// Patch maps an event to the room fields it changes.
func (e PlayerEvent) Patch() PlaybackPatch {
	var p PlaybackPatch
	switch e.Type {
	case EventPlay, EventTimeUpdate:
		p.IsPlaying = boolPtr(true)
	case EventPause:
		p.IsPlaying = boolPtr(false)
	case EventURL:
		url := e.URL
		p.VideoURL = &url
		if e.ContentRef != "" {
			ref := e.ContentRef
			p.ContentRef = &ref
		}
		p.CurrentTime = float64Ptr(e.TimeOr(0))
		return p
	}
	if e.Time != nil {
		p.CurrentTime = float64Ptr(*e.Time)
	}
	return p
}

// SnapshotEvent renders the persisted state as the event a joiner applies first.
func (r *Room) SnapshotEvent() PlayerEvent {
	typ := EventPause
	if r.IsPlaying {
		typ = EventPlay
	}
	return PlayerEvent{
		Type:       typ,
		Time:       float64Ptr(r.CurrentTime),
		URL:        r.VideoURL,
		ContentRef: r.ContentRef,
	}
}

// HasPlayback reports whether the room has anything worth replaying.
func (r *Room) HasPlayback() bool {
	return r.VideoURL != "" || r.CurrentTime > 0
}

func boolPtr(b bool) *bool { return &b }

func float64Ptr(f float64) *float64 { return &f }

// Seconds is a convenience for building events by hand.
func Seconds(f float64) *float64 { return &f }
