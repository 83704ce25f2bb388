package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cloud-login/internal/domain"
	"cloud-login/internal/events"
	"cloud-login/internal/repository"
)

type mockEmailSender struct {
	mu       sync.Mutex
	lastTo   string
	lastCode string
	sent     int
	err      error
}

func (m *mockEmailSender) SendVerificationCode(_ context.Context, toEmail string, code string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTo = toEmail
	m.lastCode = code
	m.sent++
	return m.err
}

type mockWhatsAppSender struct {
	lastTo   string
	lastCode string
	err      error
}

func (m *mockWhatsAppSender) SendVerificationCode(_ context.Context, toPhone string, code string) error {
	m.lastTo = toPhone
	m.lastCode = code
	return m.err
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// fakeClock permite mover el tiempo en los tests de vencimiento.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// lowCostHasher evita el costo de bcrypt en los tests.
type lowCostHasher struct{}

func (lowCostHasher) Hash(password string) (string, error) { return "h:" + password, nil }

func (lowCostHasher) Compare(hash, password string) (bool, error) {
	return hash == "h:"+password, nil
}

func newTestResolver(store repository.IdentityStore, pub events.Publisher) *IdentityResolver {
	return NewIdentityResolver(zap.NewNop(), store, lowCostHasher{}, pub)
}

func emailContact(raw string) domain.Contact {
	return NewContactClassifier("US").Classify(raw)
}
