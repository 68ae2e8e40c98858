package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// DefaultExpoURL is the Expo push send endpoint.
const DefaultExpoURL = "https://exp.host/--/api/v2/push/send"

const defaultProviderTimeout = 10 * time.Second

// ExpoNotifier posts notifications to the Expo push service.
type ExpoNotifier struct {
	endpoint string
	client   *fasthttp.Client
	timeout  time.Duration
}

type expoMessage struct {
	To    string         `json:"to"`
	Sound string         `json:"sound"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

type expoResponse struct {
	Data struct {
		Status  string `json:"status"`
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// NewExpoNotifier returns a notifier for endpoint; empty selects DefaultExpoURL.
func NewExpoNotifier(endpoint string) *ExpoNotifier {
	if endpoint == "" {
		endpoint = DefaultExpoURL
	}
	return &ExpoNotifier{
		endpoint: endpoint,
		client:   &fasthttp.Client{Name: "pelusa-relay"},
		timeout:  defaultProviderTimeout,
	}
}

// Notify sends one Expo push message.
func (e *ExpoNotifier) Notify(ctx context.Context, n Notification) error {
	msg := expoMessage{
		To:    n.DeliveryAddress,
		Sound: "default",
		Title: n.Title,
		Body:  n.Body,
		Data:  map[string]any{"conversationKey": n.ConversationKey},
	}
	if len(n.Data) > 0 {
		msg.Data["message"] = n.Data
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("expo: marshal message: %w", err)
	}

	status, body, err := postJSON(ctx, e.client, e.endpoint, payload, nil, e.timeout)
	if err != nil {
		return fmt.Errorf("expo: send: %w", err)
	}
	var res expoResponse
	if err := json.Unmarshal(body, &res); err != nil && status < 300 {
		return fmt.Errorf("expo: decode response: %w", err)
	}
	if status >= 300 {
		if len(res.Errors) > 0 {
			return fmt.Errorf("expo: status %d: %s", status, res.Errors[0].Message)
		}
		return fmt.Errorf("expo: status %d", status)
	}
	if res.Data.Status == "error" {
		return fmt.Errorf("expo: rejected: %s", res.Data.Message)
	}
	return nil
}

// postJSON performs one POST honoring ctx's deadline when it has one.
func postJSON(ctx context.Context, client *fasthttp.Client, url string, payload []byte, headers map[string]string, timeout time.Duration) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.SetBody(payload)

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = client.DoDeadline(req, resp, deadline)
	} else {
		err = client.DoTimeout(req, resp, timeout)
	}
	if err != nil {
		return 0, nil, err
	}
	body := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), body, nil
}
