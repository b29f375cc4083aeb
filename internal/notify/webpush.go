package notify

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/loppo-llc/monoterm/internal/session"
)

const vapidFile = "vapid.json"

// Options configures a Manager.
type Options struct {
	// Dir holds the persisted VAPID key pair.
	Dir        string
	Subscriber string
	Logger     *slog.Logger
	// HTTPClient overrides the client used to reach push services.
	HTTPClient webpush.HTTPClient
}

// Manager delivers web push notifications to subscribed browsers.
type Manager struct {
	mu            sync.Mutex
	logger        *slog.Logger
	dir           string
	subscriber    string
	client        webpush.HTTPClient
	vapidPrivate  string
	vapidPublic   string
	subscriptions []*webpush.Subscription
}

type vapidKeys struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// Payload is the JSON body shown by the service worker.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag,omitempty"`
}

func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		logger:        opts.Logger,
		dir:           opts.Dir,
		subscriber:    opts.Subscriber,
		client:        opts.HTTPClient,
		subscriptions: make([]*webpush.Subscription, 0),
	}
	if m.client == nil {
		m.client = http.DefaultClient
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := m.loadOrGenerateVAPID(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) VAPIDPublicKey() string {
	return m.vapidPublic
}

func (m *Manager) Subscribe(sub *webpush.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// dedupe by endpoint
	for _, existing := range m.subscriptions {
		if existing.Endpoint == sub.Endpoint {
			return
		}
	}
	m.subscriptions = append(m.subscriptions, sub)
	ep := sub.Endpoint
	if len(ep) > 50 {
		ep = ep[:50] + "..."
	}
	m.logger.Info("push subscription added", "endpoint", ep)
}

func (m *Manager) Unsubscribe(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscriptions {
		if sub.Endpoint == endpoint {
			m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
			return
		}
	}
}

// Subscriptions returns the number of registered browsers.
func (m *Manager) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscriptions)
}

func (m *Manager) Send(payload []byte) {
	m.mu.Lock()
	subs := make([]*webpush.Subscription, len(m.subscriptions))
	copy(subs, m.subscriptions)
	m.mu.Unlock()

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, sub, &webpush.Options{
			HTTPClient:      m.client,
			VAPIDPublicKey:  m.vapidPublic,
			VAPIDPrivateKey: m.vapidPrivate,
			Subscriber:      m.subscriber,
			TTL:             60,
		})
		if err != nil {
			m.logger.Debug("push send failed", "err", err)
			continue
		}
		resp.Body.Close()
		// the push service forgot this browser
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			m.Unsubscribe(sub.Endpoint)
		}
	}
}

// SessionExited announces a command that ended on its own.
func (m *Manager) SessionExited(sum session.Summary) {
	m.mu.Lock()
	n := len(m.subscriptions)
	m.mu.Unlock()
	if n == 0 {
		return
	}
	data, err := json.Marshal(ExitPayload(sum))
	if err != nil {
		m.logger.Warn("push payload", "err", err)
		return
	}
	m.Send(data)
}

// ExitPayload describes a finished session for a notification.
func ExitPayload(sum session.Summary) Payload {
	title := "Command finished"
	switch sum.Outcome {
	case session.OutcomeFailed:
		title = fmt.Sprintf("Command failed (exit %d)", sum.ExitCode)
	case session.OutcomeMissingTool:
		title = "Command not found"
	}
	where := sum.Dir
	if sum.WorkspaceTag != "" {
		where = sum.WorkspaceTag
	}
	return Payload{
		Title: title,
		Body:  fmt.Sprintf("%s: %s", where, sum.Command),
		Tag:   sum.ID,
	}
}

func (m *Manager) loadOrGenerateVAPID() error {
	path := filepath.Join(m.dir, vapidFile)

	data, err := os.ReadFile(path)
	if err == nil {
		var keys vapidKeys
		if err := json.Unmarshal(data, &keys); err == nil && keys.PrivateKey != "" {
			m.vapidPrivate = keys.PrivateKey
			m.vapidPublic = keys.PublicKey
			m.logger.Info("loaded VAPID keys")
			return nil
		}
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	m.vapidPrivate = priv
	m.vapidPublic = pub

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	keys := vapidKeys{
		PrivateKey: m.vapidPrivate,
		PublicKey:  m.vapidPublic,
	}
	data, _ = json.MarshalIndent(keys, "", "  ")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save VAPID keys: %w", err)
	}

	m.logger.Info("generated new VAPID keys")
	return nil
}
