package webhook

import (
	"context"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalbridge/src/model"
	"signalbridge/src/repository"
	"signalbridge/src/strategy"
)

// Executor runs one resolved strategy against a signal.
type Executor interface {
	Execute(ctx context.Context, st *model.ActivatedStrategy, action string, price *float64) (*strategy.Result, error)
}

// EventPublisher pushes execution events to live subscribers. Optional.
type EventPublisher interface {
	Publish(event Event)
}

// Event is the wire shape pushed to websocket subscribers after a signal is
// processed.
type Event struct {
	WebhookID  uint                      `json:"webhook_id"`
	Action     string                    `json:"action"`
	Symbol     string                    `json:"symbol"`
	Results    []strategy.OrderOutcome   `json:"results"`
	Errors     []strategy.ExecutionError `json:"errors"`
	OccurredAt time.Time                 `json:"occurred_at"`
}

// Outcome aggregates everything processing one admitted signal produced.
type Outcome struct {
	WebhookID     uint                      `json:"webhook_id"`
	StrategiesRun int                       `json:"strategies_run"`
	Results       []strategy.OrderOutcome   `json:"results"`
	Errors        []strategy.ExecutionError `json:"errors"`
}

// Processor ties strategy resolution, execution, and the audit trail
// together. It runs on the dispatcher's workers, after the HTTP response has
// already been sent; failures land in the webhook log, never in the response.
type Processor struct {
	webhooks   repository.WebhookRepository
	strategies repository.StrategyRepository
	executor   Executor
	events     EventPublisher
}

func NewProcessor(webhooks repository.WebhookRepository, strategies repository.StrategyRepository, executor Executor, events EventPublisher) *Processor {
	return &Processor{
		webhooks:   webhooks,
		strategies: strategies,
		executor:   executor,
		events:     events,
	}
}

// Process fans the signal out to every active strategy bound to the webhook.
// Per-strategy failures are collected, logged, and audited; they never stop
// the remaining strategies.
func (p *Processor) Process(ctx context.Context, wh *model.Webhook, signal *Signal, clientIP string, receivedAt time.Time) *Outcome {
	outcome := &Outcome{WebhookID: wh.ID}

	strategies, err := p.strategies.FindActiveByWebhookID(ctx, wh.Token)
	if err != nil {
		p.audit(ctx, wh, signal, clientIP, receivedAt, outcome, err.Error())
		return outcome
	}

	if len(strategies) == 0 {
		logger.WithFields(map[string]interface{}{
			"component":  "WebhookProcessor",
			"webhook_id": wh.ID,
		}).Warn("Signal admitted but no active strategies bound")
		p.audit(ctx, wh, signal, clientIP, receivedAt, outcome, "no active strategies bound")
		return outcome
	}

	for i := range strategies {
		if ctx.Err() != nil {
			break
		}
		st := &strategies[i]
		outcome.StrategiesRun++

		result, err := p.executor.Execute(ctx, st, signal.Action, signal.Price)
		// A failed group execution can still carry placements that went
		// through before the failure; those must survive into the outcome
		// and the audit trail.
		if result != nil {
			outcome.Results = append(outcome.Results, result.Results...)
			outcome.Errors = append(outcome.Errors, result.Errors...)
		}
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"component":   "WebhookProcessor",
				"webhook_id":  wh.ID,
				"strategy_id": st.ID,
			}).WithError(err).Warn("Strategy execution failed")
			outcome.Errors = append(outcome.Errors, strategy.ExecutionError{Reason: err.Error()})
		}
	}

	p.audit(ctx, wh, signal, clientIP, receivedAt, outcome, "")

	if err := p.webhooks.StampTriggered(ctx, wh.ID, time.Now().UTC()); err != nil {
		logger.WithField("webhook_id", wh.ID).
			WithError(err).Error("Failed to stamp webhook trigger time")
	}

	if p.events != nil {
		p.events.Publish(Event{
			WebhookID:  wh.ID,
			Action:     signal.Action,
			Symbol:     signal.Symbol,
			Results:    outcome.Results,
			Errors:     outcome.Errors,
			OccurredAt: time.Now().UTC(),
		})
	}

	return outcome
}

func (p *Processor) audit(ctx context.Context, wh *model.Webhook, signal *Signal, clientIP string, receivedAt time.Time, outcome *Outcome, failure string) {
	success := failure == "" && len(outcome.Errors) == 0

	var errMsg *string
	if failure != "" {
		errMsg = &failure
	} else if len(outcome.Errors) > 0 {
		reasons := make([]string, 0, len(outcome.Errors))
		for _, e := range outcome.Errors {
			reasons = append(reasons, e.Reason)
		}
		joined := strings.Join(reasons, "; ")
		errMsg = &joined
	}

	log := &model.WebhookLog{
		WebhookID:      wh.ID,
		TriggeredAt:    receivedAt,
		Success:        success,
		Payload:        signal.CanonicalJSON(),
		ErrorMessage:   errMsg,
		IPAddress:      clientIP,
		ProcessingTime: time.Since(receivedAt).Seconds(),
	}
	if err := p.webhooks.AppendLog(ctx, log); err != nil {
		logger.WithField("webhook_id", wh.ID).
			WithError(err).Error("Failed to append webhook audit log")
	}
}
