package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const MaxRoomIDLen = 64

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

type RoomID string

// NewRoomID generates an opaque room identifier.
func NewRoomID() RoomID {
	return RoomID(uuid.NewString())
}

func ParseRoomID(raw string) (RoomID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrRoomIDEmpty
	}
	if len(raw) > MaxRoomIDLen {
		return "", ErrRoomIDTooLong
	}
	return RoomID(raw), nil
}

// Room is the durable, authoritative state of one watch-party session.
type Room struct {
	ID          RoomID     `json:"roomId"`
	Host        ConnID     `json:"host,omitempty"`
	HostUserID  UserID     `json:"hostUserId,omitempty"`
	VideoURL    string     `json:"videoUrl,omitempty"`
	ContentRef  string     `json:"contentRef,omitempty"`
	CurrentTime float64    `json:"currentTime"`
	IsPlaying   bool       `json:"isPlaying"`
	Members     []Member   `json:"members"`
	LastEmptyAt *time.Time `json:"lastEmptyAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// JoinRequest is what a connection presents when entering a room.
type JoinRequest struct {
	ConnID     ConnID
	Username   string
	UserID     UserID
	VideoURL   string
	ContentRef string
}

// JoinOutcome describes the settled result of a join transaction.
type JoinOutcome struct {
	Room    *Room
	Created bool
	// Promoted is a connection that gained host by repair or reclaim.
	Promoted ConnID
	// Demoted is the previous host when reclaim took host away from a live member.
	Demoted ConnID
	// Replaced is the connection whose slot the joiner took over by username.
	Replaced ConnID
}

// LeaveOutcome describes the settled result of removing a member.
type LeaveOutcome struct {
	Room     *Room
	Removed  *Member
	Promoted ConnID
}

// Clone returns a deep copy so callers never share member slices.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	out := *r
	out.Members = append([]Member(nil), r.Members...)
	if r.LastEmptyAt != nil {
		t := *r.LastEmptyAt
		out.LastEmptyAt = &t
	}
	return &out
}

func (r *Room) MemberIndex(conn ConnID) int {
	for i := range r.Members {
		if r.Members[i].ConnID == conn {
			return i
		}
	}
	return -1
}

func (r *Room) HasMember(conn ConnID) bool {
	return conn != "" && r.MemberIndex(conn) >= 0
}

func (r *Room) Member(conn ConnID) (Member, bool) {
	if i := r.MemberIndex(conn); i >= 0 {
		return r.Members[i], true
	}
	return Member{}, false
}

func (r *Room) IsHost(conn ConnID) bool {
	return conn != "" && r.Host == conn
}

// Empty reports whether nobody is in the room.
func (r *Room) Empty() bool { return len(r.Members) == 0 }

// Views renders the member list in insertion order.
func (r *Room) Views() []MemberView {
	out := make([]MemberView, 0, len(r.Members))
	for _, m := range r.Members {
		out = append(out, MemberView{ID: m.ConnID, Username: m.Username, IsHost: m.ConnID == r.Host})
	}
	return out
}

// NewRoom initialises a room created by its first joiner.
func NewRoom(id RoomID, now time.Time) *Room {
	return &Room{ID: id, Members: []Member{}, CreatedAt: now}
}

// Join applies the join transition: member upsert by username, host repair,
// reclaim and content defaults. created must be true only for a room that did
// not exist before this transaction.
func (r *Room) Join(req JoinRequest, created bool, now time.Time) JoinOutcome {
	prevHost := r.Host
	var replaced ConnID

	if i := r.usernameIndex(req.Username); i >= 0 {
		// Page refresh: the same name takes over its old slot.
		if r.Members[i].ConnID != req.ConnID {
			replaced = r.Members[i].ConnID
		}
		r.Members[i].ConnID = req.ConnID
		r.Members[i].UserID = req.UserID
		r.Members[i].JoinedAt = now
	} else {
		r.Members = append(r.Members, Member{
			ConnID:   req.ConnID,
			Username: req.Username,
			UserID:   req.UserID,
			JoinedAt: now,
		})
	}
	r.LastEmptyAt = nil

	if created {
		r.Host = req.ConnID
		r.HostUserID = req.UserID
	}

	if !r.HasMember(r.Host) {
		r.Host = r.fallbackHost(req)
	}

	// Reclaim: the rightful owner returns and no connection of theirs holds
	// host, even if a fallback member was promoted in the meantime.
	if req.UserID != "" && req.UserID == r.HostUserID && r.Host != req.ConnID {
		if hm, ok := r.Member(r.Host); !ok || hm.UserID != r.HostUserID {
			r.Host = req.ConnID
		}
	}

	if r.VideoURL == "" && req.VideoURL != "" {
		r.VideoURL = req.VideoURL
	}
	if r.ContentRef == "" && req.ContentRef != "" {
		r.ContentRef = req.ContentRef
	}

	out := JoinOutcome{Room: r, Created: created, Replaced: replaced}
	if !created && r.Host != prevHost {
		out.Promoted = r.Host
		if r.HasMember(prevHost) {
			out.Demoted = prevHost
		}
	}
	return out
}

// Leave removes conn and promotes the earliest remaining member if conn was host.
func (r *Room) Leave(conn ConnID, now time.Time) LeaveOutcome {
	i := r.MemberIndex(conn)
	if i < 0 {
		return LeaveOutcome{Room: r}
	}
	removed := r.Members[i]
	r.Members = append(r.Members[:i], r.Members[i+1:]...)

	out := LeaveOutcome{Room: r, Removed: &removed}
	if r.Empty() {
		t := now
		r.LastEmptyAt = &t
		r.Host = ""
		return out
	}
	r.LastEmptyAt = nil
	if r.Host == conn || !r.HasMember(r.Host) {
		r.Host = r.Members[0].ConnID
		out.Promoted = r.Host
	}
	return out
}

// Expired reports whether the sweeper may delete the room.
func (r *Room) Expired(now time.Time, grace, maxAge time.Duration) bool {
	if maxAge > 0 && !r.CreatedAt.IsZero() && now.Sub(r.CreatedAt) > maxAge {
		return true
	}
	return r.Empty() && r.LastEmptyAt != nil && now.Sub(*r.LastEmptyAt) > grace
}

func (r *Room) usernameIndex(username string) int {
	for i := range r.Members {
		if r.Members[i].Username == username {
			return i
		}
	}
	return -1
}

// fallbackHost prefers the returning rightful owner, then the earliest member.
func (r *Room) fallbackHost(req JoinRequest) ConnID {
	if r.Empty() {
		return ""
	}
	if req.UserID != "" && req.UserID == r.HostUserID {
		if i := r.usernameIndex(req.Username); i >= 0 {
			return r.Members[i].ConnID
		}
	}
	return r.Members[0].ConnID
}
