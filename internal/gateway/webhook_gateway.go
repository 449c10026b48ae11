package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

type WebhookGateway struct {
	baseURL    string
	contentMax int
	client     *http.Client
	logger     *slog.Logger
}

func NewWebhookGateway(baseURL string, timeout time.Duration, contentMax int, logger *slog.Logger) *WebhookGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		contentMax: contentMax,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type sendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

type templateRequest struct {
	PhoneNumber string            `json:"phoneNumber"`
	TemplateID  string            `json:"templateId"`
	Params      map[string]string `json:"params,omitempty"`
}

type batchRequest struct {
	PhoneNumbers []string `json:"phoneNumbers"`
	Message      string   `json:"message"`
}

type batchResponse struct {
	SuccessCount int `json:"successCount"`
}

func (g *WebhookGateway) Validate(recipient string) bool {
	return ValidPhone(recipient)
}

func (g *WebhookGateway) Send(ctx context.Context, recipient, content string) (bool, error) {
	if !g.contentFits(content) {
		g.logger.Warn("content exceeds limit", "recipient", recipient, "max", g.contentMax)
		return false, nil
	}
	_, ok, err := g.post(ctx, "/send", sendRequest{PhoneNumber: recipient, Message: content})
	return ok, err
}

func (g *WebhookGateway) SendTemplated(ctx context.Context, recipient, templateID string, params map[string]string) (bool, error) {
	_, ok, err := g.post(ctx, "/send-template", templateRequest{PhoneNumber: recipient, TemplateID: templateID, Params: params})
	return ok, err
}

func (g *WebhookGateway) SendBatch(ctx context.Context, recipients []string, content string) (int, error) {
	if !g.contentFits(content) {
		g.logger.Warn("content exceeds limit", "recipients", len(recipients), "max", g.contentMax)
		return 0, nil
	}

	body, ok, err := g.post(ctx, "/send-batch", batchRequest{PhoneNumbers: recipients, Message: content})
	if err != nil || !ok {
		return 0, err
	}

	var br batchResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return 0, fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if br.SuccessCount > len(recipients) {
		br.SuccessCount = len(recipients)
	}
	return br.SuccessCount, nil
}

func (g *WebhookGateway) contentFits(content string) bool {
	return g.contentMax <= 0 || utf8.RuneCountInString(content) <= g.contentMax
}

// post returns ok=false without error for 4xx and an ErrUnavailable error
// for transport failures and 5xx.
func (g *WebhookGateway) post(ctx context.Context, path string, payload any) ([]byte, bool, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 500:
		return nil, false, fmt.Errorf("%w: unexpected status code: %d body=%q", ErrUnavailable, resp.StatusCode, string(body))
	case resp.StatusCode >= 400:
		g.logger.Warn("gateway rejected request", "path", path, "status", resp.StatusCode, "body", string(body))
		return body, false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, true, nil
	default:
		return nil, false, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}
}
