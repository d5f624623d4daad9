package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidToken means FCM rejected the device token as unregistered or
// malformed. The caller should deactivate the registration.
var ErrInvalidToken = errors.New("device token is no longer valid")

// FCMConfig holds Firebase Cloud Messaging configuration
type FCMConfig struct {
	ServerKey string
	ProjectID string
	BaseURL   string // overridable for tests
}

// FCMClient sends push notifications via Firebase Cloud Messaging
type FCMClient struct {
	config     FCMConfig
	httpClient *http.Client
}

// NewFCMClient creates a new FCM client
func NewFCMClient(config FCMConfig) *FCMClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://fcm.googleapis.com"
	}
	return &FCMClient{
		config: config,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// PushMessage represents a push notification
type PushMessage struct {
	Token string // Device token
	Title string
	Body  string
	Data  map[string]string // Custom data
	Badge int               // Badge count (iOS)
}

// FCMRequest represents the FCM HTTP v1 API request
type FCMRequest struct {
	Message FCMMessage `json:"message"`
}

type FCMMessage struct {
	Token        string            `json:"token"`
	Notification *FCMNotification  `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *FCMAndroid       `json:"android,omitempty"`
	APNS         *FCMAPNS          `json:"apns,omitempty"`
}

type FCMNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type FCMAndroid struct {
	Priority string `json:"priority,omitempty"` // "high" or "normal"
}

type FCMAPNS struct {
	Payload *APNSPayload `json:"payload,omitempty"`
}

type APNSPayload struct {
	Aps *APNSAps `json:"aps,omitempty"`
}

type APNSAps struct {
	Badge int    `json:"badge,omitempty"`
	Sound string `json:"sound,omitempty"`
}

// Send sends a push notification. A response indicating the token is dead
// maps to ErrInvalidToken; everything else is a plain delivery error.
func (c *FCMClient) Send(ctx context.Context, msg *PushMessage) error {
	request := FCMRequest{
		Message: FCMMessage{
			Token: msg.Token,
			Notification: &FCMNotification{
				Title: msg.Title,
				Body:  msg.Body,
			},
			Data: msg.Data,
			Android: &FCMAndroid{
				Priority: "high",
			},
		},
	}

	// Add badge for iOS
	if msg.Badge > 0 {
		request.Message.APNS = &FCMAPNS{
			Payload: &APNSPayload{
				Aps: &APNSAps{
					Badge: msg.Badge,
					Sound: "default",
				},
			},
		}
	}

	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal FCM request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.config.BaseURL, c.config.ProjectID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.config.ServerKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send FCM request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if isInvalidTokenResponse(resp.StatusCode, respBody) {
			return ErrInvalidToken
		}
		return fmt.Errorf("FCM returned status %d", resp.StatusCode)
	}

	return nil
}

// isInvalidTokenResponse matches the FCM v1 error shapes for dead tokens:
// 404 with UNREGISTERED, or 400 with INVALID_ARGUMENT on the token field.
func isInvalidTokenResponse(status int, body []byte) bool {
	if status == http.StatusNotFound {
		return true
	}
	s := string(body)
	return strings.Contains(s, "UNREGISTERED") ||
		(status == http.StatusBadRequest && strings.Contains(s, "INVALID_ARGUMENT"))
}
