package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/notification-dispatch/internal/batch"
	"github.com/LeventeLantos/notification-dispatch/internal/broker"
	"github.com/LeventeLantos/notification-dispatch/internal/config"
	"github.com/LeventeLantos/notification-dispatch/internal/gateway"
	"github.com/LeventeLantos/notification-dispatch/internal/model"
	"github.com/LeventeLantos/notification-dispatch/internal/repo"
	"github.com/LeventeLantos/notification-dispatch/internal/store"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

const (
	reasonUndecodable    = "undecodable"
	reasonNoValidTargets = "no_valid_recipients"
	reasonMalformed      = "malformed"
)

// Result is the outcome of one Dispatch call. Deferred envelopes carry no
// status.
type Result struct {
	Status   model.Status
	Batch    model.BatchResult
	Deferred bool
}

type Dependencies struct {
	Gateway  gateway.Gateway
	Limiter  store.RateLimiter
	Statuses store.StatusStore
	Stats    store.StatsStore
	Audit    repo.AuditSink
	Producer *Producer
}

// Dispatcher consumes envelopes one at a time. Sub-batch pacing blocks the
// calling goroutine, and a dispatch once started runs to completion even when
// the caller's context is cancelled.
type Dispatcher struct {
	gw       gateway.Gateway
	limiter  store.RateLimiter
	statuses store.StatusStore
	stats    store.StatsStore
	audit    repo.AuditSink
	producer *Producer

	cfg    config.DispatchConfig
	now    func() time.Time
	sleep  func(d time.Duration)
	logger *slog.Logger
}

func NewDispatcher(deps Dependencies, cfg config.DispatchConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		gw:       deps.Gateway,
		limiter:  deps.Limiter,
		statuses: deps.Statuses,
		stats:    deps.Stats,
		audit:    deps.Audit,
		producer: deps.Producer,
		cfg:      cfg,
		now:      time.Now,
		sleep:    time.Sleep,
		logger:   logger,
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

func (d *Dispatcher) WithSleep(sleep func(d time.Duration)) *Dispatcher {
	d.sleep = sleep
	return d
}

// Register subscribes the dispatcher to the single, batch and template
// destinations.
func (d *Dispatcher) Register(ctx context.Context, b broker.Broker, dests config.Destinations) error {
	for _, dest := range []string{dests.Single, dests.Batch, dests.Template} {
		if err := b.Subscribe(ctx, dest, d.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", dest, err)
		}
		d.logger.Info("dispatcher registered", "destination", dest)
	}
	return nil
}

// Handle is the broker entry point. Payloads that cannot be decoded are
// dead-lettered, never redelivered. An error means the envelope could not be
// handed on to the deferral store and the broker must deliver it again.
func (d *Dispatcher) Handle(ctx context.Context, msg broker.Message) error {
	ctx = context.WithoutCancel(ctx)

	env, err := decodeEnvelope(msg.Data)
	if err != nil {
		d.logger.Error("dropping undecodable message", "subject", msg.Subject, "error", err)
		d.deadLetter(ctx, msg.Data, reasonUndecodable, err.Error())
		return nil
	}

	if _, err := d.dispatch(ctx, env, msg.Touch); err != nil {
		d.logger.Error("dispatch failed",
			"message_id", env.MessageID,
			"message_type", env.MessageType,
			"retry_count", env.RetryCount,
			"error", err,
		)
		return err
	}
	return nil
}

func decodeEnvelope(data []byte) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.MessageID == "" {
		return env, fmt.Errorf("%w: missing messageId", ErrMalformedEnvelope)
	}
	return env, nil
}

// Dispatch runs one delivery attempt for env and records its outcome. An
// error means the envelope was neither sent nor deferred and has to be
// delivered again.
func (d *Dispatcher) Dispatch(ctx context.Context, env model.Envelope) (Result, error) {
	return d.dispatch(context.WithoutCancel(ctx), env, func() {})
}

// dispatch calls touch before every gateway call.
func (d *Dispatcher) dispatch(ctx context.Context, env model.Envelope, touch func()) (Result, error) {
	start := d.now()

	if delay := env.DueIn(start); delay > 0 {
		if err := d.producer.deferrer.Defer(ctx, env, delay); err != nil {
			return Result{}, fmt.Errorf("re-defer %s: %w", env.MessageID, err)
		}
		deferredCounter.Inc()
		d.logger.Info("message not due yet, deferred again",
			"message_id", env.MessageID,
			"scheduled_time", env.ScheduledTime,
		)
		return Result{Deferred: true}, nil
	}

	defer func() {
		dispatchDurationHist.WithLabelValues(string(env.MessageType)).Observe(d.now().Sub(start).Seconds())
	}()

	if err := checkRequest(env); err != nil {
		return d.reject(ctx, env, reasonMalformed, err.Error())
	}

	valid := d.validRecipients(env)
	if len(valid) == 0 {
		return d.reject(ctx, env, reasonNoValidTargets, "no valid recipient")
	}

	var res model.BatchResult
	if env.IsMulti() {
		res = d.dispatchMulti(ctx, env, d.admit(ctx, env, valid), touch)
	} else {
		touch()
		res = d.dispatchOne(ctx, env, valid[0])
	}

	status, err := d.settle(ctx, env, res)

	if env.IsMulti() {
		if serr := d.stats.Record(ctx, start, env.BusinessType, res); serr != nil {
			d.logger.Warn("statistics update failed", "message_id", env.MessageID, "error", serr)
		}
	}
	d.record(ctx, env, status, res)
	dispatchOutcomeCounter.WithLabelValues(string(env.MessageType), string(status)).Inc()

	d.logger.Info("message dispatched",
		"message_id", env.MessageID,
		"message_type", env.MessageType,
		"retry_count", env.RetryCount,
		"status", status,
		"total", res.TotalCount,
		"success", res.SuccessCount,
		"failed", res.FailureCount,
	)
	return Result{Status: status, Batch: res}, err
}

func (d *Dispatcher) validRecipients(env model.Envelope) []string {
	all := env.AllRecipients()
	valid := make([]string, 0, len(all))
	for _, r := range all {
		if d.gw.Validate(r) {
			valid = append(valid, r)
			continue
		}
		gatewayRecipientCounter.WithLabelValues("invalid").Inc()
		d.logger.Warn("invalid recipient skipped", "message_id", env.MessageID, "recipient", r)
	}
	return valid
}

// admit drops throttled recipients. A limiter error lets the recipient through.
func (d *Dispatcher) admit(ctx context.Context, env model.Envelope, recipients []string) []string {
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if d.allow(ctx, env, r) {
			out = append(out, r)
		}
	}
	return out
}

func (d *Dispatcher) allow(ctx context.Context, env model.Envelope, recipient string) bool {
	ok, err := d.limiter.Allow(ctx, recipient, env.Category())
	if err != nil {
		d.logger.Warn("rate limiter unavailable, allowing", "message_id", env.MessageID, "error", err)
		return true
	}
	if !ok {
		gatewayRecipientCounter.WithLabelValues("throttled").Inc()
		d.logger.Info("recipient throttled", "message_id", env.MessageID, "recipient", recipient, "category", env.Category())
	}
	return ok
}

func (d *Dispatcher) dispatchOne(ctx context.Context, env model.Envelope, recipient string) model.BatchResult {
	var res model.BatchResult
	if !d.allow(ctx, env, recipient) {
		res.Add(1, 0)
		res.ErrorMessage = "rate limited"
		return res
	}

	var (
		ok  bool
		err error
	)
	if env.MessageType == model.Template {
		ok, err = d.gw.SendTemplated(ctx, recipient, env.TemplateID, env.TemplateParams)
	} else {
		ok, err = d.gw.Send(ctx, recipient, env.Content)
	}

	switch {
	case err != nil:
		res.Add(1, 0)
		res.ErrorMessage = err.Error()
	case !ok:
		res.Add(1, 0)
		res.ErrorMessage = "rejected by gateway"
	default:
		res.Add(1, 1)
	}
	countRecipients(res)
	return res
}

// dispatchMulti sends recipients in sub-batches with a pause between them.
// A failing sub-batch or recipient is counted and the rest still go out.
func (d *Dispatcher) dispatchMulti(ctx context.Context, env model.Envelope, recipients []string, touch func()) model.BatchResult {
	var res model.BatchResult
	groups := batch.Partition(recipients, d.cfg.BatchSize)

	for i, group := range groups {
		if i > 0 && d.cfg.InterBatchDelay > 0 {
			d.sleep(d.cfg.InterBatchDelay)
		}

		if env.MessageType == model.Template {
			for _, r := range group {
				touch()
				ok, err := d.gw.SendTemplated(ctx, r, env.TemplateID, env.TemplateParams)
				if err != nil {
					res.ErrorMessage = err.Error()
					ok = false
				}
				res.Add(1, boolToInt(ok))
			}
			continue
		}

		touch()
		n, err := d.gw.SendBatch(ctx, group, env.Content)
		if err != nil {
			d.logger.Warn("sub-batch failed",
				"message_id", env.MessageID,
				"sub_batch", i+1,
				"size", len(group),
				"error", err,
			)
			res.ErrorMessage = err.Error()
			n = 0
		}
		res.Add(len(group), n)
	}

	countRecipients(res)
	return res
}

// settle writes the processing status, scheduling a retry when the attempt
// failed and retries remain. When the retry cannot be deferred the status
// stays retry pending and the error is returned so the broker redelivers the
// envelope as it is.
func (d *Dispatcher) settle(ctx context.Context, env model.Envelope, res model.BatchResult) (model.Status, error) {
	status := res.Status()
	st := model.ProcessingStatus{
		MessageID:    env.MessageID,
		Status:       status,
		ErrorMessage: res.ErrorMessage,
		RetryCount:   env.RetryCount,
		UpdatedAt:    d.now().UTC(),
	}

	var retryErr error
	if status == model.Failed && env.NeedsRetry() {
		delay := Backoff(env.RetryCount, d.cfg.BackoffBase, d.cfg.BackoffCap)
		next, _, err := d.producer.RetryAfter(ctx, env, delay)
		if err != nil {
			retryErr = err
			st.Status = model.RetryPending
			st.ErrorMessage = fmt.Sprintf("%s; retry not scheduled: %v", res.ErrorMessage, err)
		} else {
			st.Status = model.RetryPending
			st.RetryCount = next.RetryCount
			retryScheduledCounter.WithLabelValues(string(env.MessageType)).Inc()
			d.logger.Info("retry scheduled",
				"message_id", env.MessageID,
				"retry_count", next.RetryCount,
				"delay", delay,
			)
		}
	}

	if err := d.statuses.Put(ctx, st); err != nil {
		d.logger.Warn("status update failed", "message_id", env.MessageID, "error", err)
	}
	return st.Status, retryErr
}

// reject ends a message that can never be delivered: terminal status, audit
// and dead letter, no retry.
func (d *Dispatcher) reject(ctx context.Context, env model.Envelope, reason, detail string) (Result, error) {
	res := model.BatchResult{ErrorMessage: detail}
	res.Add(len(env.AllRecipients()), 0)

	st := model.ProcessingStatus{
		MessageID:    env.MessageID,
		Status:       model.Failed,
		ErrorMessage: detail,
		RetryCount:   env.RetryCount,
		UpdatedAt:    d.now().UTC(),
	}
	if err := d.statuses.Put(ctx, st); err != nil {
		d.logger.Warn("status update failed", "message_id", env.MessageID, "error", err)
	}
	if env.IsMulti() {
		if err := d.stats.Record(ctx, d.now(), env.BusinessType, res); err != nil {
			d.logger.Warn("statistics update failed", "message_id", env.MessageID, "error", err)
		}
	}
	d.record(ctx, env, model.Failed, res)
	dispatchOutcomeCounter.WithLabelValues(string(env.MessageType), string(model.Failed)).Inc()

	raw, err := json.Marshal(env)
	if err == nil {
		d.deadLetter(ctx, raw, reason, detail)
	}
	d.logger.Warn("message rejected", "message_id", env.MessageID, "reason", reason, "detail", detail)
	return Result{Status: model.Failed, Batch: res}, nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, raw []byte, reason, detail string) {
	deadLetterCounter.WithLabelValues(reason).Inc()
	if err := d.producer.PublishDeadLetter(ctx, raw, reason+": "+detail); err != nil {
		d.logger.Error("dead letter publish failed", "reason", reason, "error", err)
	}
}

func (d *Dispatcher) record(ctx context.Context, env model.Envelope, status model.Status, res model.BatchResult) {
	rec := model.AuditRecord{
		Operation:     "sms." + string(env.MessageType),
		CorrelationID: CorrelationID(env),
		Description:   fmt.Sprintf("%d of %d recipients delivered, attempt %d", res.SuccessCount, res.TotalCount, env.RetryCount+1),
		Outcome:       status,
		Context: map[string]string{
			"messageId":    env.MessageID,
			"businessType": env.BusinessType,
			"businessId":   env.BusinessID,
			"actor":        env.Actor,
		},
		CreatedAt: d.now().UTC(),
	}
	if res.ErrorMessage != "" {
		rec.Context["error"] = res.ErrorMessage
	}
	if err := d.audit.Append(ctx, rec); err != nil {
		d.logger.Warn("audit append failed", "message_id", env.MessageID, "error", err)
	}
}

// CorrelationID ties an envelope back to the business event that caused it.
func CorrelationID(env model.Envelope) string {
	if env.BusinessType == "" && env.BusinessID == "" {
		return env.MessageID
	}
	return env.BusinessType + ":" + env.BusinessID
}

func countRecipients(res model.BatchResult) {
	gatewayRecipientCounter.WithLabelValues("delivered").Add(float64(res.SuccessCount))
	gatewayRecipientCounter.WithLabelValues("failed").Add(float64(res.FailureCount))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
