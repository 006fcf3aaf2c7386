package scheduler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/deskflow-io/deskflow/pkg/contracts"
)

// WebhookConfig configures one webhook trigger endpoint.
type WebhookConfig struct {
	ID               string         `yaml:"id"`
	Template         string         `yaml:"template"`
	Secret           string         `yaml:"secret"`
	Queue            string         `yaml:"queue"`
	Priority         int            `yaml:"priority"`
	Variables        map[string]any `yaml:"variables"`
	ExtractVariables []string       `yaml:"extract_variables"`
	SignatureHeader  string         `yaml:"signature_header"`
	SignaturePrefix  string         `yaml:"signature_prefix"`
	DedupWindowSec   int            `yaml:"dedup_window_sec"`
	RatePerSecond    float64        `yaml:"rate_per_second"`
	MaxBodyBytes     int64          `yaml:"max_body_bytes"`
}

// WebhookHandler validates and enqueues webhook deliveries. Delivery is
// at-least-once upstream; duplicate event_ids inside a sliding window are
// dropped.
type WebhookHandler struct {
	cfg     WebhookConfig
	orch    *Orchestrator
	limiter *rate.Limiter

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewWebhookHandler builds a handler for one configured endpoint.
func NewWebhookHandler(cfg WebhookConfig, orch *Orchestrator) *WebhookHandler {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Signature-256"
	}
	if cfg.SignaturePrefix == "" {
		cfg.SignaturePrefix = "sha256="
	}
	if cfg.DedupWindowSec <= 0 {
		cfg.DedupWindowSec = 300
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &WebhookHandler{
		cfg:     cfg,
		orch:    orch,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)+1),
		seen:    map[string]time.Time{},
		now:     time.Now,
	}
}

// validateSignature checks the HMAC-SHA256 of the raw body.
func (h *WebhookHandler) validateSignature(body []byte, header string) bool {
	if h.cfg.Secret == "" {
		return true
	}
	if !strings.HasPrefix(header, h.cfg.SignaturePrefix) {
		return false
	}
	got := strings.TrimPrefix(header, h.cfg.SignaturePrefix)
	mac := hmac.New(sha256.New, []byte(h.cfg.Secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(want))
}

// duplicate reports whether the event id was already seen inside the
// sliding window, recording it otherwise.
func (h *WebhookHandler) duplicate(eventID string) bool {
	if eventID == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	cutoff := now.Add(-time.Duration(h.cfg.DedupWindowSec) * time.Second)
	for id, seenAt := range h.seen {
		if seenAt.Before(cutoff) {
			delete(h.seen, id)
		}
	}
	if _, ok := h.seen[eventID]; ok {
		return true
	}
	h.seen[eventID] = now
	return false
}

// Accept processes one delivery. Exposed for tests; ServeHTTP wraps it.
func (h *WebhookHandler) Accept(body []byte, signatureHeader string) error {
	if !h.limiter.Allow() {
		return errors.New("rate limited")
	}
	if !h.validateSignature(body, signatureHeader) {
		return errors.New("invalid signature")
	}

	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	eventID, _ := payload["event_id"].(string)
	if h.duplicate(eventID) {
		return nil // dropped silently: at-least-once upstream, once here
	}

	vars := map[string]any{}
	for k, v := range h.cfg.Variables {
		vars[k] = v
	}
	for _, key := range h.cfg.ExtractVariables {
		if v, ok := payload[key]; ok {
			vars[key] = v
		}
	}

	id := eventID
	if id == "" {
		id = uuid.New().String()
	}
	return h.orch.Submit(Job{
		ID:        h.cfg.ID + "@" + id,
		Template:  h.cfg.Template,
		Queue:     h.cfg.Queue,
		Priority:  h.cfg.Priority,
		Variables: vars,
		Trigger:   "webhook",
	})
}

// ServeHTTP implements the trigger endpoint: 202 on enqueue, 401 on bad
// signature, 429 when rate limited, 503 on QUEUE_FULL.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	body := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := r.Body.Read(buf)
		body = append(body, buf[:n]...)
		if err != nil {
			break
		}
	}

	err := h.Accept(body, r.Header.Get(h.cfg.SignatureHeader))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	case err.Error() == "invalid signature":
		w.WriteHeader(http.StatusUnauthorized)
	case err.Error() == "rate limited":
		w.WriteHeader(http.StatusTooManyRequests)
	case contracts.CodeOf(err) == contracts.ErrQueueFull:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"QUEUE_FULL"}`))
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}
