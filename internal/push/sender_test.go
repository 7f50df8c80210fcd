package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relayRecorder is a fake push relay. Paths decide the response:
// /gone/... answers 410, /fail/... answers 500, anything else 200.
type relayRecorder struct {
	mu     sync.Mutex
	bodies []pushPayload
}

func (rr *relayRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p pushPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		rr.mu.Lock()
		rr.bodies = append(rr.bodies, p)
		rr.mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/gone/"):
			w.WriteHeader(http.StatusGone)
		case strings.HasPrefix(r.URL.Path, "/fail/"):
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
}

func (rr *relayRecorder) received() []pushPayload {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return append([]pushPayload(nil), rr.bodies...)
}

func newTestSender(t *testing.T) (*Sender, *Registry, *relayRecorder, *httptest.Server) {
	t.Helper()
	recorder := &relayRecorder{}
	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)

	registry, cfg := newTestRegistry(t)
	return NewSender(cfg, registry, pushTestLogger(t)), registry, recorder, server
}

func register(t *testing.T, r *Registry, id, pushURL string) {
	t.Helper()
	_, err := r.Upsert(Device{InstallationID: id, DeviceType: "ios", DeviceName: id, PushURL: pushURL})
	require.NoError(t, err)
}

func byInstallation(report *Report) map[string]DeviceReport {
	out := make(map[string]DeviceReport, len(report.PerDevice))
	for _, pd := range report.PerDevice {
		out[pd.InstallationID] = pd
	}
	return out
}

func TestSend_FanoutClassifiesOutcomes(t *testing.T) {
	sender, registry, recorder, server := newTestSender(t)
	register(t, registry, "dev-ok", server.URL+"/ok/secret-1")
	register(t, registry, "dev-gone", server.URL+"/gone/secret-2")
	register(t, registry, "dev-fail", server.URL+"/fail/secret-3")

	report := sender.Send(context.Background(), Notification{
		Title: "Session complete",
		Body:  "Your command finished.",
		Data:  map[string]interface{}{"run_id": "cmdrun_0123456789abcdef"},
	})

	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.InvalidTokensRemoved)
	require.Len(t, report.PerDevice, 3)

	perDevice := byInstallation(report)
	assert.Equal(t, DeliverySent, perDevice["dev-ok"].Status)
	assert.Equal(t, DeliveryRemoved, perDevice["dev-gone"].Status)
	assert.Equal(t, DeliveryFailed, perDevice["dev-fail"].Status)
	assert.Contains(t, perDevice["dev-fail"].Error, "500")

	// The revoked binding is dropped immediately.
	assert.Equal(t, 2, registry.Count())

	bodies := recorder.received()
	require.Len(t, bodies, 3)
	assert.Equal(t, "Session complete", bodies[0].Title)
	assert.Equal(t, "Your command finished.", bodies[0].Body)
	assert.Equal(t, "cmdrun_0123456789abcdef", bodies[0].Data["run_id"])
}

func TestSend_DeviceFilter(t *testing.T) {
	sender, registry, recorder, server := newTestSender(t)
	register(t, registry, "dev-a", server.URL+"/ok/secret-a")
	register(t, registry, "dev-b", server.URL+"/ok/secret-b")

	report := sender.Send(context.Background(), Notification{
		Title:        "Targeted",
		Body:         "only one device",
		DeviceFilter: []string{"dev-b"},
	})

	assert.Equal(t, 1, report.Sent)
	require.Len(t, report.PerDevice, 1)
	assert.Equal(t, "dev-b", report.PerDevice[0].InstallationID)
	assert.Len(t, recorder.received(), 1)
}

func TestSend_NoDevices(t *testing.T) {
	sender, _, _, _ := newTestSender(t)

	report := sender.Send(context.Background(), Notification{Title: "t", Body: "b"})
	assert.Zero(t, report.Sent)
	assert.Zero(t, report.Failed)
	assert.Empty(t, report.PerDevice)
}

func TestSend_UnreachableRelayDoesNotLeakSecret(t *testing.T) {
	sender, registry, _, server := newTestSender(t)
	dead := server.URL + "/ok/super-secret-path"
	server.Close()
	register(t, registry, "dev-dead", dead)

	report := sender.Send(context.Background(), Notification{Title: "t", Body: "b"})

	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.PerDevice, 1)
	assert.NotEmpty(t, report.PerDevice[0].Error)
	assert.NotContains(t, report.PerDevice[0].Error, "super-secret-path")
}

func TestRedactPushURL(t *testing.T) {
	assert.Equal(t, "https://push.example.com/relay",
		redactPushURL("https://push.example.com/relay/abc123/def456"))
	assert.Equal(t, "https://push.example.com",
		redactPushURL("https://push.example.com"))
	assert.Equal(t, "https://push.example.com/tok",
		redactPushURL("https://push.example.com/tok"))
	assert.Equal(t, "invalid-url", redactPushURL("://not a url"))
}

func TestSessionNotifier(t *testing.T) {
	sender, registry, _, server := newTestSender(t)
	notifier := NewSessionNotifier(sender)

	// No registered devices: nothing to deliver, no error.
	require.NoError(t, notifier.Send(context.Background(), "t", "b", nil))

	register(t, registry, "dev-fail", server.URL+"/fail/secret")
	err := notifier.Send(context.Background(), "t", "b", map[string]interface{}{"k": "v"})
	require.Error(t, err)

	register(t, registry, "dev-ok", server.URL+"/ok/secret")
	require.NoError(t, notifier.Send(context.Background(), "t", "b", nil))
}
