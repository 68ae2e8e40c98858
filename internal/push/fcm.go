package push

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	fcmScope        = "https://www.googleapis.com/auth/firebase.messaging"
	defaultFCMBase  = "https://fcm.googleapis.com"
	fcmNotification = "You have a new message"
)

// FCMNotifier sends through the FCM HTTP v1 API.
type FCMNotifier struct {
	endpoint string
	tokens   oauth2.TokenSource
	client   *fasthttp.Client
	timeout  time.Duration
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotice         `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotice struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// NewFCMNotifier returns a notifier for projectID. baseURL is only
// overridden in tests; empty selects the public endpoint.
func NewFCMNotifier(projectID string, tokens oauth2.TokenSource, baseURL string) (*FCMNotifier, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("fcm: project id is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("fcm: token source is required")
	}
	if baseURL == "" {
		baseURL = defaultFCMBase
	}
	return &FCMNotifier{
		endpoint: fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimSuffix(baseURL, "/"), projectID),
		tokens:   oauth2.ReuseTokenSource(nil, tokens),
		client:   &fasthttp.Client{Name: "pelusa-relay"},
		timeout:  defaultProviderTimeout,
	}, nil
}

// NewFCMNotifierFromFile loads service account credentials from path. An
// empty projectID falls back to the one in the credentials.
func NewFCMNotifierFromFile(ctx context.Context, path, projectID string) (*FCMNotifier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fcm: read credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, raw, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("fcm: parse credentials: %w", err)
	}
	if projectID == "" {
		projectID = creds.ProjectID
	}
	return NewFCMNotifier(projectID, creds.TokenSource, "")
}

// Notify sends one FCM message. The title shown on the device is fixed; the
// requested title travels in the data map.
func (f *FCMNotifier) Notify(ctx context.Context, n Notification) error {
	token, err := f.tokens.Token()
	if err != nil {
		return fmt.Errorf("fcm: access token: %w", err)
	}

	data := map[string]string{
		"title":           n.Title,
		"body":            n.Body,
		"conversationKey": n.ConversationKey,
	}
	if len(n.Data) > 0 {
		data["message"] = string(n.Data)
	}
	payload, err := json.Marshal(fcmRequest{Message: fcmMessage{
		Token:        n.DeliveryAddress,
		Notification: fcmNotice{Title: fcmNotification, Body: n.Body},
		Data:         data,
	}})
	if err != nil {
		return fmt.Errorf("fcm: marshal message: %w", err)
	}

	headers := map[string]string{"Authorization": "Bearer " + token.AccessToken}
	status, body, err := postJSON(ctx, f.client, f.endpoint, payload, headers, f.timeout)
	if err != nil {
		return fmt.Errorf("fcm: send: %w", err)
	}
	if status >= 300 {
		return fmt.Errorf("fcm: status %d: %s", status, strings.TrimSpace(string(body)))
	}
	return nil
}
