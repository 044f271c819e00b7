package models

import "time"

type Post struct {
	ID          int64      `db:"id" json:"id"`
	UserID      int64      `db:"user_id" json:"user_id"`
	AccountID   int64      `db:"account_id" json:"account_id"`
	Caption     string     `db:"caption" json:"caption"`
	ImageKey    string     `db:"image_key" json:"image_key"`
	JobID       *string    `db:"job_id" json:"job_id,omitempty"`
	ScheduledAt *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	PublishedAt *time.Time `db:"published_at" json:"published_at,omitempty"`
	CanceledAt  *time.Time `db:"canceled_at" json:"canceled_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the post already reached a final state.
// A post is published or canceled, never both.
func (p *Post) IsTerminal() bool {
	return p.PublishedAt != nil || p.CanceledAt != nil
}
