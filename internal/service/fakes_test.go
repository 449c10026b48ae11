package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/LeventeLantos/notification-dispatch/internal/gateway"
	"github.com/LeventeLantos/notification-dispatch/internal/model"
)

type published struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{Subject: subject, Data: data, Headers: headers})
	return nil
}

func (p *fakePublisher) bySubjectPrefix(prefix string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.msgs {
		if strings.HasPrefix(m.Subject, prefix) {
			out = append(out, m)
		}
	}
	return out
}

type deferred struct {
	Env   model.Envelope
	Delay time.Duration
}

type fakeDeferrer struct {
	mu    sync.Mutex
	calls []deferred
	err   error
}

func (d *fakeDeferrer) Defer(ctx context.Context, env model.Envelope, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.calls = append(d.calls, deferred{Env: env, Delay: delay})
	return nil
}

func (d *fakeDeferrer) last() deferred {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[len(d.calls)-1]
}

func (d *fakeDeferrer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// fakeGateway accepts every E.164 number. failBatch lists 1-based SendBatch
// calls that return a hard error.
type fakeGateway struct {
	mu sync.Mutex

	sendOK    bool
	sendErr   error
	failBatch map[int]bool
	reject    map[string]bool

	sends      []string
	templated  []string
	batchCalls [][]string
}

func (g *fakeGateway) Validate(recipient string) bool {
	return gateway.ValidPhone(recipient)
}

func (g *fakeGateway) Send(ctx context.Context, recipient, content string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends = append(g.sends, recipient)
	return g.sendOK, g.sendErr
}

func (g *fakeGateway) SendTemplated(ctx context.Context, recipient, templateID string, params map[string]string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.templated = append(g.templated, recipient)
	if g.reject[recipient] {
		return false, nil
	}
	return true, nil
}

func (g *fakeGateway) SendBatch(ctx context.Context, recipients []string, content string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batchCalls = append(g.batchCalls, append([]string(nil), recipients...))
	if g.failBatch[len(g.batchCalls)] {
		return 0, gateway.ErrUnavailable
	}
	return len(recipients), nil
}

func (g *fakeGateway) attempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sends) + len(g.templated) + len(g.batchCalls)
}

type fakeLimiter struct {
	deny map[string]bool
	err  error
}

func (l *fakeLimiter) Allow(ctx context.Context, recipient, category string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	return !l.deny[recipient], nil
}

type memStatuses struct {
	mu   sync.Mutex
	byID map[string]model.ProcessingStatus
}

func (s *memStatuses) Put(ctx context.Context, st model.ProcessingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID == nil {
		s.byID = map[string]model.ProcessingStatus{}
	}
	s.byID[st.MessageID] = st
	return nil
}

func (s *memStatuses) Get(ctx context.Context, messageID string) (*model.ProcessingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byID[messageID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

type memStats struct {
	mu      sync.Mutex
	records []model.BatchResult
}

func (s *memStats) Record(ctx context.Context, at time.Time, businessType string, res model.BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, res)
	return nil
}

func (s *memStats) Get(ctx context.Context, day, businessType string) (*model.DailyStatistics, error) {
	return nil, errors.New("not implemented")
}

type memAudit struct {
	mu      sync.Mutex
	records []model.AuditRecord
}

func (a *memAudit) Append(ctx context.Context, rec model.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}
