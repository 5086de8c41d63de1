package store

import "time"

const (
	ContentTypeLink = "link"
	ContentTypePDF  = "pdf"
)

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Tag struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Content struct {
	ID          string
	UserID      string
	Title       string
	ContentType string
	Link        string
	FileName    string
	FileSize    int64
	Tags        []Tag
	CreatedAt   time.Time
}

// ShareLink maps a public hash to the user whose content it exposes.
// One row per user, enforced by a unique constraint on user_id.
type ShareLink struct {
	UserID    string
	Hash      string
	CreatedAt time.Time
}
