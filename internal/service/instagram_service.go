package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	config "github.com/postpilot/api/configs"
	"github.com/postpilot/api/pkg/utils"
)

const instagramBaseURL = "https://i.instagram.com/api/v1"

// InstagramService talks to Instagram's private web API with a previously
// captured session. It implements both SessionStore and PublishGateway.
type InstagramService interface {
	RestoreSession(ctx context.Context, username, sessionData string) (bool, error)
	PublishPhoto(ctx context.Context, sessionData string, image []byte, caption string) error
}

type instagramService struct {
	cfg    config.Config
	client *http.Client
}

func NewInstagramService(cfg config.Config) InstagramService {
	return &instagramService{
		cfg:    cfg,
		client: http.DefaultClient,
	}
}

// instagramSession is the decrypted shape of a stored session blob.
type instagramSession struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	Authorization string `json:"authorization"`
	DeviceID      string `json:"device_id"`
}

func (ig *instagramService) decryptSession(sessionData string) (*instagramSession, error) {
	plaintext, err := utils.Decrypt(sessionData, []byte(ig.cfg.SecretKey))
	if err != nil {
		return nil, fmt.Errorf("error decrypting session: %w", err)
	}

	var session instagramSession
	if err := json.Unmarshal([]byte(plaintext), &session); err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("error parsing session: %w", err)
	}
	if session.Authorization == "" {
		return nil, errors.New("session has no authorization token")
	}
	return &session, nil
}

// RestoreSession checks that the stored session still authenticates
// against Instagram. Side-effect free: a failed check mutates nothing.
func (ig *instagramService) RestoreSession(ctx context.Context, username, sessionData string) (bool, error) {
	session, err := ig.decryptSession(sessionData)
	if err != nil {
		return false, err
	}
	if username != "" && session.Username != username {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", instagramBaseURL+"/accounts/current_user/", nil)
	if err != nil {
		return false, fmt.Errorf("error creating request: %w", err)
	}
	ig.setSessionHeaders(req, session)

	resp, err := ig.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("HTTP request error: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status code from Instagram: %d", resp.StatusCode)
	}
}

// PublishPhoto performs the two-step photo publish: upload the bytes under
// an upload id, then configure the media with its caption.
func (ig *instagramService) PublishPhoto(ctx context.Context, sessionData string, image []byte, caption string) error {
	session, err := ig.decryptSession(sessionData)
	if err != nil {
		return err
	}

	uploadID := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := ig.uploadPhoto(ctx, session, uploadID, image); err != nil {
		return err
	}
	return ig.configureMedia(ctx, session, uploadID, caption)
}

func (ig *instagramService) uploadPhoto(ctx context.Context, session *instagramSession, uploadID string, image []byte) error {
	url := fmt.Sprintf("https://i.instagram.com/rupload_igphoto/%s_0_%d", uploadID, len(image))

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(image))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	ig.setSessionHeaders(req, session)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Entity-Name", uploadID)
	req.Header.Set("X-Entity-Length", strconv.Itoa(len(image)))
	req.Header.Set("Offset", "0")

	params, err := json.Marshal(map[string]any{
		"upload_id":         uploadID,
		"media_type":        1,
		"image_compression": `{"lib_name":"moz","lib_version":"3.1.m","quality":"80"}`,
	})
	if err != nil {
		return fmt.Errorf("error marshalling upload params: %w", err)
	}
	req.Header.Set("X-Instagram-Rupload-Params", string(params))

	resp, err := ig.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("error response from Instagram upload: %s (status code: %d)", body, resp.StatusCode)
	}
	return nil
}

func (ig *instagramService) configureMedia(ctx context.Context, session *instagramSession, uploadID, caption string) error {
	payload := map[string]any{
		"upload_id":       uploadID,
		"caption":         caption,
		"source_type":     "library",
		"device_id":       session.DeviceID,
		"_uid":            session.UserID,
		"timezone_offset": "0",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshalling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", instagramBaseURL+"/media/configure/", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	ig.setSessionHeaders(req, session)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ig.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("error response from Instagram configure: %s (status code: %d)", body, resp.StatusCode)
	}

	var result struct {
		Status string `json:"status"`
		Media  struct {
			ID string `json:"id"`
		} `json:"media"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		slog.Info(err.Error())
		return fmt.Errorf("error parsing configure response: %w", err)
	}
	if result.Status != "ok" {
		return fmt.Errorf("instagram configure returned status %q", result.Status)
	}

	slog.Debug("photo published", slog.String("media_id", result.Media.ID))
	return nil
}

func (ig *instagramService) setSessionHeaders(req *http.Request, session *instagramSession) {
	req.Header.Set("Authorization", session.Authorization)
	req.Header.Set("X-IG-Device-ID", session.DeviceID)
	req.Header.Set("User-Agent", "Instagram 275.0.0.27.98 Android")
}
