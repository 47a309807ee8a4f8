package model

import (
	"time"
)

type Room struct {
	ID           string        `db:"id" json:"roomId"`
	Kind         RoomKind      `db:"kind" json:"kind"`
	ShowName     string        `db:"show_name" json:"showName"`
	CreatedAt    time.Time     `db:"created_at" json:"createdAt"`
	Participants []Participant `db:"-" json:"participants"`
}

type Participant struct {
	RoomID     string     `db:"room_id" json:"-"`
	UserID     string     `db:"user_id" json:"userId"`
	OriginKind OriginKind `db:"origin_kind" json:"originKind"`
	Domain     string     `db:"domain" json:"domain"`
	JoinedAt   time.Time  `db:"joined_at" json:"joinedAt"`
}

func (p Participant) Identity() Identity {
	return Identity{UserID: p.UserID, Domain: p.Domain}
}

// HasMember reports whether the user on the given domain participates in the room.
func (r *Room) HasMember(userID, domain string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID && p.Domain == domain {
			return true
		}
	}
	return false
}

// RemoteDomains lists the distinct domains of remote participants.
func (r *Room) RemoteDomains() []string {
	seen := map[string]bool{}
	var domains []string
	for _, p := range r.Participants {
		if p.OriginKind != OriginRemote || seen[p.Domain] {
			continue
		}
		seen[p.Domain] = true
		domains = append(domains, p.Domain)
	}
	return domains
}

func (r *Room) RemoteParticipants() []Participant {
	var out []Participant
	for _, p := range r.Participants {
		if p.OriginKind == OriginRemote {
			out = append(out, p)
		}
	}
	return out
}

type CreateRoomParams struct {
	ID           string
	Kind         RoomKind
	ShowName     string
	Participants []Participant
}
