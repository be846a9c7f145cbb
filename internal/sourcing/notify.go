package sourcing

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/model"
)

// Notifier emits a refresh hint once a job reaches a terminal status.
// Hints never carry result data; clients re-read the job.
type Notifier interface {
	Notify(ctx context.Context, jobID string, status model.JobStatus) error
}

// NopNotifier discards hints.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, model.JobStatus) error { return nil }

// RefreshHint is the payload published for a finished job.
type RefreshHint struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

// RedisNotifier publishes hints on a Redis channel.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisNotifier creates a RedisNotifier publishing on channel.
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = "sourcing:refresh"
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, jobID string, status model.JobStatus) error {
	payload, err := json.Marshal(RefreshHint{JobID: jobID, Status: status})
	if err != nil {
		return eris.Wrap(err, "sourcing: marshal hint")
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return eris.Wrapf(err, "sourcing: publish hint on %s", n.channel)
	}
	return nil
}
