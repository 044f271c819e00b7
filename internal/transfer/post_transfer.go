package transfer

import "time"

type PostCreation struct {
	Username string `json:"username"`
	Caption  string `json:"caption"`
	ImageKey string `json:"image_key"`
	// PostDate is an optional RFC 3339 timestamp. Absent or in the past
	// means publish immediately.
	PostDate string `json:"post_date"`
}

type PostResult struct {
	PostID      int64      `json:"post_id"`
	Caption     string     `json:"caption"`
	ImageKey    string     `json:"image_key"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}
