package model

import (
	"time"
)

// User is a locally hosted account. Registration and credentials live outside
// this service; only the fields federation exposes are kept here.
type User struct {
	ID          string    `db:"id" json:"id"`
	UserName    string    `db:"user_name" json:"userName"`
	DisplayName string    `db:"display_name" json:"displayName"`
	Description string    `db:"description" json:"description"`
	IconURL     *string   `db:"icon_url" json:"iconUrl,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Identity addresses a user on any server.
type Identity struct {
	UserID string `json:"userId"`
	Domain string `json:"domain"`
}

func (i Identity) String() string {
	return i.UserID + "@" + i.Domain
}

// RemoteFriend is the cached snapshot of a peer hosted elsewhere.
type RemoteFriend struct {
	RemoteUserID  string    `db:"remote_user_id" json:"remoteUserId"`
	Domain        string    `db:"domain" json:"domain"`
	UserName      string    `db:"user_name" json:"userName"`
	DisplayName   string    `db:"display_name" json:"displayName"`
	Description   string    `db:"description" json:"description"`
	IconURL       *string   `db:"icon_url" json:"iconUrl,omitempty"`
	LastFetchedAt time.Time `db:"last_fetched_at" json:"lastFetchedAt"`
}

// Profile field names used for change detection on RemoteFriend.
const (
	ProfileFieldUserName    = "userName"
	ProfileFieldDisplayName = "displayName"
	ProfileFieldDescription = "description"
	ProfileFieldIconURL     = "iconUrl"
)

// ProfileChanges carries candidate values; only fields named in Changed are applied.
type ProfileChanges struct {
	UserName    string   `json:"userName,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Description string   `json:"description,omitempty"`
	IconURL     *string  `json:"iconUrl,omitempty"`
	Changed     []string `json:"changed"`
}

// Apply overwrites the fields listed in Changed and reports whether anything differed.
func (f *RemoteFriend) Apply(c ProfileChanges) bool {
	modified := false
	for _, field := range c.Changed {
		switch field {
		case ProfileFieldUserName:
			if f.UserName != c.UserName {
				f.UserName = c.UserName
				modified = true
			}
		case ProfileFieldDisplayName:
			if f.DisplayName != c.DisplayName {
				f.DisplayName = c.DisplayName
				modified = true
			}
		case ProfileFieldDescription:
			if f.Description != c.Description {
				f.Description = c.Description
				modified = true
			}
		case ProfileFieldIconURL:
			if !sameString(f.IconURL, c.IconURL) {
				f.IconURL = c.IconURL
				modified = true
			}
		}
	}
	return modified
}

// ApplyToUser overwrites the listed fields of a local user.
func (c ProfileChanges) ApplyToUser(u *User) {
	for _, field := range c.Changed {
		switch field {
		case ProfileFieldUserName:
			u.UserName = c.UserName
		case ProfileFieldDisplayName:
			u.DisplayName = c.DisplayName
		case ProfileFieldDescription:
			u.Description = c.Description
		case ProfileFieldIconURL:
			u.IconURL = c.IconURL
		}
	}
}

// ChangesFrom builds a change set carrying the user's current values.
func ChangesFrom(u *User, changed []string) ProfileChanges {
	return ProfileChanges{
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		Description: u.Description,
		IconURL:     u.IconURL,
		Changed:     changed,
	}
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
