// Package rewards notifies the downstream rewards service about completed
// user activity. Notifications are best effort and never fail the caller.
package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/custody-core/pkg/config"
)

// EventType names the activity being reported.
type EventType string

const (
	EventWithdrawal     EventType = "withdrawal"
	EventStakeCreated   EventType = "stake_created"
	EventStakeWithdrawn EventType = "stake_withdrawn"
)

// Event is the payload posted to the rewards hook.
type Event struct {
	Type       EventType       `json:"type"`
	UserID     string          `json:"user_id"`
	Token      string          `json:"token"`
	Amount     decimal.Decimal `json:"amount"`
	Reference  string          `json:"reference"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Notifier posts events to the rewards hook asynchronously.
type Notifier struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewNotifier creates a notifier. An empty URL disables delivery.
func NewNotifier(cfg config.RewardsConfig, logger *zap.Logger) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		url:     cfg.URL,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}
}

// Notify sends ev in the background. Failures are logged.
func (n *Notifier) Notify(ev Event) {
	if n.url == "" {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.post(ctx, ev); err != nil {
			n.logger.Warn("Rewards notification failed",
				zap.String("type", string(ev.Type)),
				zap.String("user_id", ev.UserID),
				zap.String("reference", ev.Reference),
				zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("rewards hook returned status %d", resp.StatusCode)
	}
	return nil
}
