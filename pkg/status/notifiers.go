package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LogNotifier writes status changes to the logger
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(s PackageStatus) error {
	sanity := "none"
	if s.Sanity != nil {
		sanity = string(*s.Sanity)
	}
	fields := []zap.Field{
		zap.String("package", s.Name),
		zap.String("namespace", s.Namespace),
		zap.Bool("installed", s.Installed),
		zap.String("sanity", sanity),
		zap.Bool("pending", s.Pending),
	}
	if s.Error != "" {
		n.logger.Warn("package status unavailable", append(fields, zap.String("error", s.Error))...)
		return nil
	}
	n.logger.Info("package status changed", fields...)
	return nil
}

// WebhookNotifier posts status changes to a URL
type WebhookNotifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewWebhookNotifier(webhookURL string, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (n *WebhookNotifier) Notify(s PackageStatus) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal package status: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, n.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}

	n.logger.Debug("webhook notification sent",
		zap.String("url", n.webhookURL),
		zap.String("package", s.Key().String()),
		zap.Int("statusCode", resp.StatusCode))
	return nil
}

// Broadcaster is the part of a websocket hub used by ChannelNotifier
type Broadcaster interface {
	Broadcast(v any)
}

// ChannelNotifier forwards status changes to websocket subscribers
type ChannelNotifier struct {
	out Broadcaster
}

func NewChannelNotifier(out Broadcaster) *ChannelNotifier {
	return &ChannelNotifier{out: out}
}

func (n *ChannelNotifier) Notify(s PackageStatus) error {
	n.out.Broadcast(s)
	return nil
}
