package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/notification-dispatch/internal/broker"
	"github.com/LeventeLantos/notification-dispatch/internal/config"
	"github.com/LeventeLantos/notification-dispatch/internal/model"
)

var ErrInvalidRequest = errors.New("invalid send request")

// HeaderError carries the reason a payload was dead-lettered.
const HeaderError = "Notify-Error"

type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

type Deferrer interface {
	Defer(ctx context.Context, env model.Envelope, delay time.Duration) error
}

// Meta is the business context attached to every envelope.
type Meta struct {
	BusinessType string
	BusinessID   string
	Actor        string
	Priority     model.Priority
}

type ProducerConfig struct {
	Destinations  config.Destinations
	MaxRetryCount int
	SourceSystem  string
}

// Producer builds envelopes and hands them to the broker, or to the deferral
// store when they are not due yet.
type Producer struct {
	pub      Publisher
	deferrer Deferrer
	cfg      ProducerConfig
	now      func() time.Time
	logger   *slog.Logger
}

func NewProducer(pub Publisher, deferrer Deferrer, cfg ProducerConfig, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetryCount < 0 {
		cfg.MaxRetryCount = model.DefaultMaxRetryCount
	}
	return &Producer{
		pub:      pub,
		deferrer: deferrer,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

func (p *Producer) WithClock(now func() time.Time) *Producer {
	p.now = now
	return p
}

func (p *Producer) SendSingle(ctx context.Context, recipient, content string, meta Meta) (string, error) {
	env := p.newEnvelope(model.Single, meta)
	env.Recipient = recipient
	env.Content = content
	if err := checkRequest(env); err != nil {
		return "", err
	}
	return env.MessageID, p.Publish(ctx, env)
}

func (p *Producer) SendBatch(ctx context.Context, recipients []string, content string, meta Meta) (string, error) {
	env := p.newEnvelope(model.Batch, meta)
	env.Recipients = append([]string(nil), recipients...)
	env.Content = content
	if err := checkRequest(env); err != nil {
		return "", err
	}
	return env.MessageID, p.Publish(ctx, env)
}

// SendTemplate sends to one recipient through the template destination, or to
// several through the batch destination.
func (p *Producer) SendTemplate(ctx context.Context, recipients []string, templateID string, params map[string]string, meta Meta) (string, error) {
	env := p.newEnvelope(model.Template, meta)
	if len(recipients) == 1 {
		env.Recipient = recipients[0]
	} else {
		env.Recipients = append([]string(nil), recipients...)
	}
	env.TemplateID = templateID
	env.TemplateParams = params
	if err := checkRequest(env); err != nil {
		return "", err
	}
	return env.MessageID, p.Publish(ctx, env)
}

// SendScheduled sends env at the given time. Identity fields left empty are
// filled in. A time that is not in the future sends immediately; otherwise
// the envelope waits in the deferral store, and a store failure is returned
// without falling back to an early send.
func (p *Producer) SendScheduled(ctx context.Context, env model.Envelope, at time.Time) (string, error) {
	p.stamp(&env)
	if err := checkRequest(env); err != nil {
		return "", err
	}

	now := p.now()
	if !at.After(now) {
		env.SendMode = model.Immediate
		env.ScheduledTime = nil
		return env.MessageID, p.Publish(ctx, env)
	}

	at = at.UTC()
	env.SendMode = model.Scheduled
	env.ScheduledTime = &at
	if err := p.deferrer.Defer(ctx, env, at.Sub(now)); err != nil {
		p.logger.Error("schedule failed", "message_id", env.MessageID, "scheduled_time", at, "error", err)
		return "", fmt.Errorf("schedule %s: %w", env.MessageID, err)
	}
	p.logger.Info("message scheduled", "message_id", env.MessageID, "scheduled_time", at)
	return env.MessageID, nil
}

// Retry republishes a copy of env with retryCount incremented. Once retries
// are exhausted it does nothing and reports false.
func (p *Producer) Retry(ctx context.Context, env model.Envelope) (model.Envelope, bool, error) {
	return p.RetryAfter(ctx, env, 0)
}

// RetryAfter is Retry with the copy held in the deferral store for delay.
func (p *Producer) RetryAfter(ctx context.Context, env model.Envelope, delay time.Duration) (model.Envelope, bool, error) {
	if !env.NeedsRetry() {
		p.logger.Warn("retry skipped, retries exhausted",
			"message_id", env.MessageID,
			"retry_count", env.RetryCount,
			"max_retry_count", env.MaxRetryCount,
		)
		return env, false, nil
	}

	next := env
	next.RetryCount++
	if delay <= 0 {
		return next, true, p.Publish(ctx, next)
	}
	if err := p.deferrer.Defer(ctx, next, delay); err != nil {
		return next, true, fmt.Errorf("defer retry %s: %w", next.MessageID, err)
	}
	return next, true, nil
}

// Publish sends env to the destination its type routes to.
func (p *Producer) Publish(ctx context.Context, env model.Envelope) error {
	dest, err := p.destination(env)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.MessageID, err)
	}

	subject := broker.Subject(dest, env.Priority.String())
	headers := map[string]string{broker.HeaderPriority: env.Priority.String()}
	if err := p.pub.Publish(ctx, subject, b, headers); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.MessageID, subject, err)
	}

	p.logger.Debug("message published",
		"message_id", env.MessageID,
		"message_type", env.MessageType,
		"subject", subject,
		"retry_count", env.RetryCount,
	)
	return nil
}

// PublishDeadLetter parks a payload the dispatcher will not process.
func (p *Producer) PublishDeadLetter(ctx context.Context, raw []byte, reason string) error {
	if p.cfg.Destinations.DeadLetter == "" {
		return errors.New("no dead-letter destination configured")
	}
	err := p.pub.Publish(ctx, p.cfg.Destinations.DeadLetter, raw, map[string]string{HeaderError: reason})
	if err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (p *Producer) destination(env model.Envelope) (string, error) {
	d := p.cfg.Destinations
	switch env.MessageType {
	case model.Single:
		return d.Single, nil
	case model.Batch:
		return d.Batch, nil
	case model.Template:
		if env.IsMulti() {
			return d.Batch, nil
		}
		return d.Template, nil
	default:
		return "", fmt.Errorf("%w: unknown message type %q", ErrInvalidRequest, env.MessageType)
	}
}

func (p *Producer) newEnvelope(t model.MessageType, meta Meta) model.Envelope {
	env := model.Envelope{
		MessageType:  t,
		SendMode:     model.Immediate,
		Priority:     meta.Priority,
		BusinessType: meta.BusinessType,
		BusinessID:   meta.BusinessID,
		Actor:        meta.Actor,
	}
	p.stamp(&env)
	return env
}

func (p *Producer) stamp(env *model.Envelope) {
	now := p.now().UTC()
	if env.MessageID == "" {
		env.MessageID = model.NewMessageID(now)
	}
	if env.CreateTime.IsZero() {
		env.CreateTime = now
	}
	if env.SendMode == "" {
		env.SendMode = model.Immediate
	}
	if env.MaxRetryCount == 0 {
		env.MaxRetryCount = p.cfg.MaxRetryCount
	}
	if env.SourceSystem == "" {
		env.SourceSystem = p.cfg.SourceSystem
	}
	if env.Version == "" {
		env.Version = model.EnvelopeVersion
	}
}

func checkRequest(env model.Envelope) error {
	switch env.MessageType {
	case model.Single:
		if env.Recipient == "" {
			return fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
		}
		if env.Content == "" {
			return fmt.Errorf("%w: content is required", ErrInvalidRequest)
		}
	case model.Batch:
		if len(env.Recipients) == 0 {
			return fmt.Errorf("%w: recipients must not be empty", ErrInvalidRequest)
		}
		if env.Content == "" {
			return fmt.Errorf("%w: content is required", ErrInvalidRequest)
		}
	case model.Template:
		if len(env.AllRecipients()) == 0 {
			return fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
		}
		if env.TemplateID == "" {
			return fmt.Errorf("%w: templateId is required", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidRequest, env.MessageType)
	}
	return nil
}
