package service

import "errors"

// Publish outcome kinds. Handlers branch on these with errors.Is; raw
// transport failures are wrapped, never leaked.
var (
	ErrInvalidScheduleTime = errors.New("scheduled time must be in the future")
	ErrAccountNotLinked    = errors.New("user is not associated with this account")
	ErrSessionExpired      = errors.New("instagram session expired")
	ErrPublishFailed       = errors.New("failed to publish post")
	ErrPostNotFound        = errors.New("scheduled post not found")
	ErrJobNotFound         = errors.New("scheduled job not found")
)
