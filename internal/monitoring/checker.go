package monitoring

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Checker pages on sourcing job health. Each Check sends only the alerts
// that were not already firing on the previous check; an alert that clears
// is re-armed. Check runs as a scheduler task.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	lookback  int
	log       *zap.Logger

	mu     sync.Mutex
	firing map[string]bool
}

// NewChecker creates a Checker evaluating the last lookbackHours of jobs.
func NewChecker(collector *Collector, alerter *Alerter, lookbackHours int) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		lookback:  lookbackHours,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
		firing:    make(map[string]bool),
	}
}

// Check collects a snapshot, evaluates it and delivers new alerts. It
// returns the number of alerts delivered. Without a webhook, new alerts are
// only logged.
func (c *Checker) Check(ctx context.Context) (int, error) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		return 0, eris.Wrap(err, "monitoring: check")
	}
	alerts := c.alerter.Evaluate(snap)

	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]bool, len(alerts))
	sent := 0
	for _, alert := range alerts {
		key := alertKey(alert)
		switch {
		case c.firing[key]:
			next[key] = true
		case c.alerter.cfg.WebhookURL == "":
			c.log.Warn("monitoring: alert", zap.String("type", string(alert.Type)), zap.String("message", alert.Message))
			next[key] = true
		case c.alerter.deliver(ctx, alert):
			next[key] = true
			sent++
		}
	}
	c.firing = next

	if len(alerts) > 0 {
		c.log.Info("monitoring: alert check complete",
			zap.Int("alerts_firing", len(alerts)),
			zap.Int("alerts_sent", sent),
		)
	}
	return sent, nil
}

// alertKey identifies an alert across checks. Circuit alerts are tracked
// per platform.
func alertKey(a Alert) string {
	if code, ok := a.Details["platform"].(string); ok {
		return string(a.Type) + ":" + code
	}
	return string(a.Type)
}
