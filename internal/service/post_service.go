package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/postpilot/api/internal/models"
	"github.com/postpilot/api/internal/repository"
	"github.com/postpilot/api/internal/scheduler"
	"github.com/postpilot/api/internal/transfer"
)

// SessionStore restores a previously captured platform session. The blob
// stays opaque to the orchestrator; validity is re-checked on every use
// because the platform can invalidate it at any time.
type SessionStore interface {
	RestoreSession(ctx context.Context, username, sessionData string) (bool, error)
}

// PublishGateway pushes one photo with a caption through a restored
// session. All-or-nothing: an error means nothing was published.
type PublishGateway interface {
	PublishPhoto(ctx context.Context, sessionData string, image []byte, caption string) error
}

// MediaStore holds post images by key.
type MediaStore interface {
	Upload(ctx context.Context, key string, file []byte, contentType string) error
	Fetch(ctx context.Context, key string) ([]byte, error)
}

type PostService interface {
	Create(ctx context.Context, userID int64, pc *transfer.PostCreation) (*transfer.PostResult, error)
	Cancel(ctx context.Context, userID, postID int64, username string) error
	List(ctx context.Context, userID int64) ([]*models.Post, error)
	PostInfo(ctx context.Context, postID, userID int64) (*models.Post, error)
	UploadImage(ctx context.Context, file []byte) (string, error)
	RecoverPending(ctx context.Context) (int, error)
}

type postService struct {
	pr       repository.PostRepository
	ac       repository.SocialAccountRepository
	registry *scheduler.Registry
	sessions SessionStore
	gateway  PublishGateway
	media    MediaStore
	clock    scheduler.Clock
	timeout  time.Duration
}

func NewPostService(
	pr repository.PostRepository,
	ac repository.SocialAccountRepository,
	registry *scheduler.Registry,
	sessions SessionStore,
	gateway PublishGateway,
	media MediaStore,
	clock scheduler.Clock,
	timeout time.Duration) PostService {
	return &postService{
		pr:       pr,
		ac:       ac,
		registry: registry,
		sessions: sessions,
		gateway:  gateway,
		media:    media,
		clock:    clock,
		timeout:  timeout,
	}
}

func (s *postService) Create(ctx context.Context, userID int64, pc *transfer.PostCreation) (*transfer.PostResult, error) {
	if pc == nil {
		err := errors.New("post creation data is nil")
		slog.Error(err.Error())
		return nil, err
	}
	if pc.Caption == "" {
		err := errors.New("caption cannot be empty")
		slog.Info(err.Error())
		return nil, err
	}
	if pc.Username == "" {
		err := errors.New("username cannot be empty")
		slog.Info(err.Error())
		return nil, err
	}
	if pc.ImageKey == "" {
		err := errors.New("image key cannot be empty")
		slog.Info(err.Error())
		return nil, err
	}

	if pc.PostDate == "" {
		return s.publishNow(ctx, userID, pc)
	}

	fireAt, err := time.Parse(time.RFC3339, pc.PostDate)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("%w: %v", ErrInvalidScheduleTime, err)
	}
	if !fireAt.After(s.clock.Now()) {
		return s.publishNow(ctx, userID, pc)
	}

	return s.schedulePost(ctx, userID, pc, fireAt)
}

// publishNow is the immediate path: resolve, publish, then record. A
// failed publish leaves no post row behind.
func (s *postService) publishNow(ctx context.Context, userID int64, pc *transfer.PostCreation) (*transfer.PostResult, error) {
	account, err := s.ac.GetByUsername(ctx, userID, pc.Username)
	if err != nil {
		return nil, fmt.Errorf("error resolving account: %w", err)
	}
	if account == nil {
		return nil, ErrAccountNotLinked
	}

	if err := s.publishPhoto(ctx, account, pc.Caption, pc.ImageKey); err != nil {
		slog.Error("failed to publish photo", slog.String("username", pc.Username), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	publishedAt := s.clock.Now()
	post := models.Post{
		UserID:      userID,
		AccountID:   account.ID,
		Caption:     pc.Caption,
		ImageKey:    pc.ImageKey,
		PublishedAt: &publishedAt,
	}
	postID, err := s.pr.Create(ctx, nil, &post)
	if err != nil {
		return nil, fmt.Errorf("error creating post: %w", err)
	}

	return &transfer.PostResult{
		PostID:      postID,
		Caption:     pc.Caption,
		ImageKey:    pc.ImageKey,
		PublishedAt: &publishedAt,
	}, nil
}

// schedulePost is the deferred path: record the intent, then arm a timer
// under a job id derived from (account, second).
func (s *postService) schedulePost(ctx context.Context, userID int64, pc *transfer.PostCreation, fireAt time.Time) (*transfer.PostResult, error) {
	if !fireAt.After(s.clock.Now()) {
		return nil, ErrInvalidScheduleTime
	}

	account, err := s.ac.GetByUsername(ctx, userID, pc.Username)
	if err != nil {
		return nil, fmt.Errorf("error resolving account: %w", err)
	}
	if account == nil {
		return nil, ErrAccountNotLinked
	}

	// Reject obviously dead sessions up front. The fire path restores
	// again; validity is never carried across calls.
	restoreCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	restored, err := s.sessions.RestoreSession(restoreCtx, account.AccountUsername, account.SessionData)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	if !restored {
		return nil, ErrSessionExpired
	}

	jobID := scheduler.JobID(account.AccountID, fireAt)
	post := models.Post{
		UserID:      userID,
		AccountID:   account.ID,
		Caption:     pc.Caption,
		ImageKey:    pc.ImageKey,
		JobID:       &jobID,
		ScheduledAt: &fireAt,
	}
	postID, err := s.pr.Create(ctx, nil, &post)
	if err != nil {
		return nil, fmt.Errorf("error creating post: %w", err)
	}

	if err := s.registry.Schedule(jobID, fireAt, func() {
		s.publishScheduled(jobID, postID)
	}); err != nil {
		// Most likely a duplicate (account, second) pair. Do not leave a
		// pending row behind for a job that was never armed.
		if removeErr := s.pr.Remove(ctx, postID); removeErr != nil {
			slog.Error("failed to remove unscheduled post", slog.Int64("post_id", postID), slog.String("error", removeErr.Error()))
		}
		return nil, err
	}

	slog.Debug("post scheduled", slog.String("job_id", jobID), slog.Time("fires_at", fireAt))
	return &transfer.PostResult{
		PostID:      postID,
		Caption:     pc.Caption,
		ImageKey:    pc.ImageKey,
		ScheduledAt: &fireAt,
	}, nil
}

// publishScheduled runs on the timer goroutine after the registry removed
// the job. Every failure is terminal for this attempt: log, leave the row
// scheduled-but-unpublished, never re-fire.
func (s *postService) publishScheduled(jobID string, postID int64) {
	ctx := context.Background()
	slog.Debug("executing scheduled post", slog.String("job_id", jobID))

	post, err := s.pr.GetByID(ctx, postID)
	if err != nil || post == nil {
		slog.Error("scheduled post not found", slog.Int64("post_id", postID), slog.String("job_id", jobID))
		return
	}

	account, err := s.ac.GetByID(ctx, post.AccountID)
	if err != nil || account == nil {
		slog.Error("account no longer linked for scheduled post", slog.Int64("post_id", postID))
		return
	}

	if err := s.publishPhoto(ctx, account, post.Caption, post.ImageKey); err != nil {
		if errors.Is(err, ErrSessionExpired) {
			slog.Error("session expired, scheduled post abandoned", slog.Int64("post_id", postID), slog.String("job_id", jobID))
		} else {
			slog.Error("failed to publish scheduled post", slog.Int64("post_id", postID), slog.String("error", err.Error()))
		}
		return
	}

	if err := s.pr.SetPublished(ctx, postID, s.clock.Now()); err != nil {
		slog.Error("failed to record published post", slog.Int64("post_id", postID), slog.String("error", err.Error()))
		return
	}

	slog.Info("scheduled post published", slog.Int64("post_id", postID), slog.String("username", account.AccountUsername))
}

// publishPhoto is the single real publish attempt shared by both paths:
// restore the session, fetch the image bytes, push through the gateway.
// Bounded by the configured timeout so a stalled call cannot wedge a
// timer goroutine.
func (s *postService) publishPhoto(ctx context.Context, account *models.SocialAccount, caption, imageKey string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	restored, err := s.sessions.RestoreSession(ctx, account.AccountUsername, account.SessionData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	if !restored {
		return ErrSessionExpired
	}

	image, err := s.media.Fetch(ctx, imageKey)
	if err != nil {
		return fmt.Errorf("error fetching image %s: %w", imageKey, err)
	}

	if err := s.gateway.PublishPhoto(ctx, account.SessionData, image, caption); err != nil {
		return fmt.Errorf("error publishing photo: %w", err)
	}
	return nil
}

// Cancel removes a pending deferred post. Ordering is load-bearing: the
// registry must confirm removal before the row is marked canceled, so a
// fire that already won cannot be overwritten.
func (s *postService) Cancel(ctx context.Context, userID, postID int64, username string) error {
	account, err := s.ac.GetByUsername(ctx, userID, username)
	if err != nil {
		return fmt.Errorf("error resolving account: %w", err)
	}
	if account == nil {
		return ErrPostNotFound
	}

	post, err := s.pr.GetByID(ctx, postID)
	if err != nil {
		return fmt.Errorf("error getting post: %w", err)
	}
	if post == nil || post.AccountID != account.ID || post.ScheduledAt == nil || post.IsTerminal() {
		return ErrPostNotFound
	}
	if post.JobID == nil {
		return ErrJobNotFound
	}

	if !s.registry.Cancel(*post.JobID) {
		// Already fired, or the fire-vs-cancel race resolved in favor of
		// firing. The post must not be marked canceled.
		return ErrJobNotFound
	}

	if err := s.pr.SetCanceled(ctx, postID, s.clock.Now()); err != nil {
		return fmt.Errorf("error canceling post: %w", err)
	}

	slog.Info("scheduled post canceled", slog.Int64("post_id", postID), slog.String("job_id", *post.JobID))
	return nil
}

func (s *postService) List(ctx context.Context, userID int64) ([]*models.Post, error) {
	posts, err := s.pr.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error listing posts: %w", err)
	}
	return posts, nil
}

func (s *postService) PostInfo(ctx context.Context, postID, userID int64) (*models.Post, error) {
	if userID == 0 || postID == 0 {
		err := errors.New("post id is not valid")
		slog.Info(err.Error())
		return nil, err
	}

	post, err := s.pr.GetByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("error getting post info: %w", err)
	}
	if post == nil || post.UserID != userID {
		return nil, ErrPostNotFound
	}

	return post, nil
}

// UploadImage validates and stores one post image, returning its key.
func (s *postService) UploadImage(ctx context.Context, file []byte) (string, error) {
	kind, err := filetype.Match(file)
	if err != nil || kind == types.Unknown {
		return "", fmt.Errorf("unsupported file type: %v", err)
	}
	switch kind.Extension {
	case "jpg", "jpeg", "png":
	default:
		return "", fmt.Errorf("file type %s is not allowed", kind.Extension)
	}

	key, err := gonanoid.New()
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}

	if err := s.media.Upload(ctx, key, file, kind.MIME.Value); err != nil {
		return "", fmt.Errorf("error uploading image: %w", err)
	}
	return key, nil
}

// RecoverPending rebuilds timers lost to a restart. Rows whose fire time
// already passed are reported as missed and left for an operator; firing
// them late risks a duplicate publish on an ambiguous earlier failure.
func (s *postService) RecoverPending(ctx context.Context) (int, error) {
	posts, err := s.pr.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("error listing pending posts: %w", err)
	}

	rearmed := 0
	now := s.clock.Now()
	for _, post := range posts {
		if post.ScheduledAt == nil || post.JobID == nil {
			continue
		}
		if !post.ScheduledAt.After(now) {
			slog.Warn("missed scheduled post",
				slog.Int64("post_id", post.ID),
				slog.Time("scheduled_at", *post.ScheduledAt))
			continue
		}

		jobID := *post.JobID
		postID := post.ID
		err := s.registry.Schedule(jobID, *post.ScheduledAt, func() {
			s.publishScheduled(jobID, postID)
		})
		if errors.Is(err, scheduler.ErrDuplicateJob) {
			// Timer is already live; nothing to rebuild.
			continue
		}
		if err != nil {
			slog.Error("failed to rearm scheduled post", slog.Int64("post_id", post.ID), slog.String("error", err.Error()))
			continue
		}
		rearmed++
	}

	return rearmed, nil
}
