package domain

import "time"

// Member represents one connection's participation in a room.
// No transport or lifecycle logic here.
type Member struct {
	ConnID   ConnID    `json:"connectionId"`
	Username string    `json:"username"`
	UserID   UserID    `json:"userId,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

// MemberView is the read-only shape pushed to clients in member lists.
type MemberView struct {
	ID       ConnID `json:"id"`
	Username string `json:"username"`
	IsHost   bool   `json:"isHost"`
}
