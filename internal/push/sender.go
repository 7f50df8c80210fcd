package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prime-system/prime-agent/internal/common/config"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/internal/metrics"
)

// maxConcurrentPushes bounds the fan-out so a large registry cannot
// exhaust sockets.
const maxConcurrentPushes = 4

// Delivery outcomes reported per device.
const (
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliveryRemoved = "removed"
)

// Notification is one outbound push.
type Notification struct {
	Title        string                 `json:"title"`
	Body         string                 `json:"body"`
	Data         map[string]interface{} `json:"data,omitempty"`
	DeviceFilter []string               `json:"device_filter,omitempty"`
}

// pushPayload is the body POSTed to each relay endpoint.
type pushPayload struct {
	Title string                 `json:"title"`
	Body  string                 `json:"body"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// DeviceReport is the delivery outcome for one device. Name is the
// registered device name, falling back to the installation id.
type DeviceReport struct {
	InstallationID string `json:"installation_id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// Report aggregates one fan-out.
type Report struct {
	Sent                 int            `json:"sent"`
	Failed               int            `json:"failed"`
	InvalidTokensRemoved int            `json:"invalid_tokens_removed"`
	PerDevice            []DeviceReport `json:"per_device"`
}

// Sender delivers notifications to every registered device. A relay
// answering 410 Gone has revoked its binding; the device is dropped from
// the registry on the spot.
type Sender struct {
	registry *Registry
	client   *http.Client
	logger   *logger.Logger
}

// NewSender wires a sender against the registry. The per-device request
// timeout comes from the push config.
func NewSender(cfg config.PushConfig, registry *Registry, log *logger.Logger) *Sender {
	return &Sender{
		registry: registry,
		client:   &http.Client{Timeout: cfg.TimeoutDuration()},
		logger:   log.WithFields(zap.String("component", "push-sender")),
	}
}

// Send fans the notification out to every matching device. Failures are
// per-device; one unreachable relay never stops the rest.
func (s *Sender) Send(ctx context.Context, n Notification) *Report {
	devices := s.registry.snapshot(n.DeviceFilter)
	report := &Report{PerDevice: make([]DeviceReport, len(devices))}

	var g errgroup.Group
	g.SetLimit(maxConcurrentPushes)
	for idx, dev := range devices {
		g.Go(func() error {
			report.PerDevice[idx] = s.deliver(ctx, dev, n)
			return nil
		})
	}
	_ = g.Wait()

	for _, pd := range report.PerDevice {
		switch pd.Status {
		case DeliverySent:
			report.Sent++
		case DeliveryRemoved:
			report.InvalidTokensRemoved++
		default:
			report.Failed++
		}
		metrics.PushNotificationsTotal.WithLabelValues(pd.Status).Inc()
	}
	return report
}

// deliver POSTs the payload to one relay endpoint and classifies the
// outcome.
func (s *Sender) deliver(ctx context.Context, dev Device, n Notification) DeviceReport {
	name := dev.DeviceName
	if name == "" {
		name = dev.InstallationID
	}
	rep := DeviceReport{InstallationID: dev.InstallationID, Name: name}

	payload, err := json.Marshal(pushPayload{Title: n.Title, Body: n.Body, Data: n.Data})
	if err != nil {
		rep.Status = DeliveryFailed
		rep.Error = fmt.Sprintf("encode payload: %v", err)
		return rep
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dev.PushURL, bytes.NewReader(payload))
	if err != nil {
		rep.Status = DeliveryFailed
		rep.Error = "invalid push endpoint"
		return rep
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		rep.Status = DeliveryFailed
		rep.Error = transportError(err)
		s.logger.Warn("push delivery failed",
			zap.String("installation_id", dev.InstallationID),
			zap.String("endpoint", redactPushURL(dev.PushURL)),
			zap.String("error", rep.Error))
		return rep
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusGone:
		rep.Status = DeliveryRemoved
		rep.Error = "binding revoked by relay"
		if _, rmErr := s.registry.Remove(dev.InstallationID); rmErr != nil {
			s.logger.Warn("failed to drop revoked device",
				zap.String("installation_id", dev.InstallationID),
				zap.Error(rmErr))
		}
		s.logger.Info("device binding revoked",
			zap.String("installation_id", dev.InstallationID),
			zap.String("endpoint", redactPushURL(dev.PushURL)))
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		rep.Status = DeliverySent
	default:
		rep.Status = DeliveryFailed
		rep.Error = fmt.Sprintf("relay returned %d", resp.StatusCode)
		s.logger.Warn("push delivery failed",
			zap.String("installation_id", dev.InstallationID),
			zap.String("endpoint", redactPushURL(dev.PushURL)),
			zap.Int("status", resp.StatusCode))
	}
	return rep
}

// transportError strips the request URL that url.Error embeds; the path
// carries the device secret.
func transportError(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err.Error()
	}
	return err.Error()
}

// redactPushURL keeps the scheme, host and first path segment of a
// relay endpoint. The rest of the path is the delivery secret.
func redactPushURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	prefix := ""
	if segs := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2); segs[0] != "" {
		prefix = "/" + segs[0]
	}
	return u.Scheme + "://" + u.Host + prefix
}

// SessionNotifier adapts the sender to the session manager's completion
// notifications. Every registered device gets the push.
type SessionNotifier struct {
	sender *Sender
}

// NewSessionNotifier wraps a sender for session completion pushes.
func NewSessionNotifier(sender *Sender) *SessionNotifier {
	return &SessionNotifier{sender: sender}
}

// Send implements the session manager's notifier contract.
func (sn *SessionNotifier) Send(ctx context.Context, title, body string, data map[string]interface{}) error {
	report := sn.sender.Send(ctx, Notification{Title: title, Body: body, Data: data})
	if report.Sent == 0 && report.Failed > 0 {
		return fmt.Errorf("all %d push deliveries failed", report.Failed)
	}
	return nil
}
