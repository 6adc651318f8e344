package store

import "time"

// Member grants a non-owner access to a document.
type Member struct {
	DocumentID int64
	UserID     int64
	Role       string
	CreatedAt  time.Time
}

const (
	TierOwner  = "owner"
	TierEditor = "editor"
	TierViewer = "viewer"
	TierNone   = "none"
)
