package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/panel-checkout/internal/obs"
)

// TypeReconciliationAlert is the asynq task type for stranded-charge alerts.
const TypeReconciliationAlert = "support:reconciliation_alert"

// ReconciliationAlert describes a charge that succeeded without an order record.
type ReconciliationAlert struct {
	PaymentIntentID string    `json:"payment_intent_id"`
	SessionID       string    `json:"session_id"`
	CustomerID      string    `json:"customer_id"`
	CustomerEmail   string    `json:"customer_email,omitempty"`
	AmountMinor     int64     `json:"amount_minor"`
	Currency        string    `json:"currency"`
	Reason          string    `json:"reason"`
	Attempts        int       `json:"attempts,omitempty"`
	RaisedAt        time.Time `json:"raised_at"`
}

// TaskEnqueuer is satisfied by *asynq.Client.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AlertPublisher enqueues support alerts. One alert per payment intent and stage.
type AlertPublisher struct {
	Client   TaskEnqueuer
	Queue    string
	MaxRetry int
}

// Publish enqueues the alert. stage distinguishes the first report from exhaustion.
func (p AlertPublisher) Publish(ctx context.Context, stage string, alert ReconciliationAlert) error {
	if p.Client == nil {
		return errors.New("notify: alert client not configured")
	}
	if strings.TrimSpace(alert.PaymentIntentID) == "" {
		return errors.New("notify: alert requires a payment intent id")
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("notify: encode alert: %w", err)
	}
	opts := []asynq.Option{asynq.TaskID(alertTaskID(stage, alert.PaymentIntentID))}
	if p.Queue != "" {
		opts = append(opts, asynq.Queue(p.Queue))
	}
	if p.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(p.MaxRetry))
	}
	_, err = p.Client.EnqueueContext(ctx, asynq.NewTask(TypeReconciliationAlert, payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func alertTaskID(stage, intentID string) string {
	if stage == "" {
		stage = "raised"
	}
	return fmt.Sprintf("reconcile-alert:%s:%s", stage, intentID)
}

// AlertHandler processes alert tasks on the worker.
type AlertHandler struct {
	Support SupportWebhook
	Logger  zerolog.Logger
}

// ProcessTask logs the alert at error level and forwards it to the support intake.
func (h AlertHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var alert ReconciliationAlert
	if err := json.Unmarshal(t.Payload(), &alert); err != nil {
		recordAlert("invalid")
		return fmt.Errorf("decode alert: %v: %w", err, asynq.SkipRetry)
	}
	h.Logger.Error().
		Bool("reconciliation_required", true).
		Str("payment_intent_id", alert.PaymentIntentID).
		Str("session_id", alert.SessionID).
		Str("customer_id", alert.CustomerID).
		Int64("amount_minor", alert.AmountMinor).
		Str("currency", alert.Currency).
		Str("reason", alert.Reason).
		Int("attempts", alert.Attempts).
		Msg("charge captured without order record")
	if !h.Support.Enabled() {
		recordAlert("logged")
		return nil
	}
	if _, err := h.Support.Post(ctx, alert.PaymentIntentID, t.Payload()); err != nil {
		recordAlert("failed")
		return err
	}
	recordAlert("delivered")
	return nil
}

// Register wires the handler into an asynq mux.
func (h AlertHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeReconciliationAlert, h.ProcessTask)
}

func recordAlert(result string) {
	if obs.SupportAlertsTotal != nil {
		obs.SupportAlertsTotal.WithLabelValues(result).Inc()
	}
}
