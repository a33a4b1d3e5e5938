package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/movement"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskMovementNotify delivers movement transition notifications.
	TaskMovementNotify = "movement:notify"
)

// NewMovementNotifyTask constructs an Asynq task carrying the notification.
func NewMovementNotifyTask(n movement.Notification) (*asynq.Task, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMovementNotify, data, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// NotifyJob renders movement notifications. Delivery is a structured log
// line until an outbound channel is configured.
type NotifyJob struct {
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewNotifyJob initialises the notification handler.
func NewNotifyJob(logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyJob{Logger: logger, Metrics: metrics}
}

// Handle processes TaskMovementNotify tasks.
func (j *NotifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("movement notify: handler not configured")
	}
	var n movement.Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		return fmt.Errorf("movement notify: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if n.MovementID == 0 || n.Event == "" {
		return fmt.Errorf("movement notify: incomplete payload: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskMovementNotify)
	j.Logger.InfoContext(ctx, "movement notification",
		slog.Int64("movement_id", n.MovementID),
		slog.String("doc_number", n.DocNumber),
		slog.String("event", string(n.Event)),
		slog.String("summary", Summary(n)),
	)
	j.Metrics.AddProcessed(TaskMovementNotify, 1)
	return tracker.End(nil)
}

// Summary renders a one-line human readable description of a notification.
func Summary(n movement.Notification) string {
	title := cases.Title(language.English)
	actor := n.ActorName
	if actor == "" {
		actor = fmt.Sprintf("user %d", n.ActorID)
	}
	return fmt.Sprintf("%s %s %s by %s",
		title.String(string(n.Type)), n.DocNumber, title.String(string(n.Event)), actor)
}
