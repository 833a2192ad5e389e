package watchdog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"goa.design/clue/log"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one watchdog finding. Subject identifies the entity the check
// fired on (an EA UUID, a fire ID, a stream name) so repeats can be
// suppressed per entity.
type Alert struct {
	Check     string    `json:"check"`
	Subject   string    `json:"subject"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Pager delivers alerts to the operator webhook, falling back to a local
// append-only log when the webhook is down or unconfigured. Repeats of the
// same (check, subject) pair inside the cooldown are suppressed, and every
// delivered alert lands in a bounded ring for the status surface.
type Pager struct {
	webhookURL string
	fallback   string
	client     *http.Client
	cooldown   time.Duration
	ringSize   int

	mu       sync.Mutex
	lastSent map[string]time.Time
	ring     []Alert
}

// PagerOptions configures the pager.
type PagerOptions struct {
	// WebhookURL receives alert POSTs; empty disables the webhook and all
	// alerts go to the fallback log.
	WebhookURL string
	// FallbackPath is the local pager log. Defaults to
	// "/var/log/signalbus/pager.log".
	FallbackPath string
	// Cooldown suppresses repeats of the same alert; zero means 15 minutes.
	Cooldown time.Duration
	// RingSize bounds the in-memory alert history; zero means 100.
	RingSize int
}

// NewPager creates the alert sink.
func NewPager(opts PagerOptions) *Pager {
	p := &Pager{
		webhookURL: opts.WebhookURL,
		fallback:   opts.FallbackPath,
		client:     &http.Client{Timeout: 10 * time.Second},
		cooldown:   opts.Cooldown,
		ringSize:   opts.RingSize,
		lastSent:   make(map[string]time.Time),
	}
	if p.fallback == "" {
		p.fallback = "/var/log/signalbus/pager.log"
	}
	if p.cooldown == 0 {
		p.cooldown = 15 * time.Minute
	}
	if p.ringSize == 0 {
		p.ringSize = 100
	}
	return p
}

// Send delivers one alert, applying the cooldown first. Returns whether the
// alert was actually delivered (as opposed to suppressed).
func (p *Pager) Send(ctx context.Context, a Alert) bool {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	key := a.Check + "|" + a.Subject
	p.mu.Lock()
	if last, ok := p.lastSent[key]; ok && a.Timestamp.Sub(last) < p.cooldown {
		p.mu.Unlock()
		return false
	}
	p.lastSent[key] = a.Timestamp
	p.ring = append(p.ring, a)
	if len(p.ring) > p.ringSize {
		p.ring = p.ring[len(p.ring)-p.ringSize:]
	}
	p.mu.Unlock()

	alertsTotal.WithLabelValues(a.Check, string(a.Severity)).Inc()
	if err := p.post(ctx, a); err != nil {
		log.Errorf(ctx, err, "pager: webhook delivery for %s/%s", a.Check, a.Subject)
		p.appendFallback(ctx, a)
	}
	return true
}

// Recent returns the ring contents, newest last.
func (p *Pager) Recent() []Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Alert, len(p.ring))
	copy(out, p.ring)
	return out
}

func (p *Pager) post(ctx context.Context, a Alert) error {
	if p.webhookURL == "" {
		return fmt.Errorf("no webhook configured")
	}
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// appendFallback writes the alert to the local pager log so a downed
// webhook never loses a page.
func (p *Pager) appendFallback(ctx context.Context, a Alert) {
	line, err := json.Marshal(a)
	if err != nil {
		return
	}
	f, err := os.OpenFile(p.fallback, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Errorf(ctx, err, "pager: open fallback log")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Errorf(ctx, err, "pager: append fallback log")
	}
}
