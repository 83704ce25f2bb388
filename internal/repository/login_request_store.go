package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cloud-login/internal/domain"
)

// LoginRequestStore guarda tokens de handoff con TTL y los consume una sola vez.
type LoginRequestStore interface {
	Put(ctx context.Context, req domain.LoginRequest, ttl time.Duration) error
	// GetAndDelete lee y borra en una sola operacion; ErrNotFound si no existe.
	GetAndDelete(ctx context.Context, id string) (domain.LoginRequest, error)
}

type memoryLoginRequestStore struct {
	mu    sync.Mutex
	items map[string]memoryLoginRequest
}

type memoryLoginRequest struct {
	req     domain.LoginRequest
	evictAt time.Time
}

func NewMemoryLoginRequestStore() LoginRequestStore {
	return &memoryLoginRequestStore{
		items: make(map[string]memoryLoginRequest),
	}
}

func (s *memoryLoginRequestStore) Put(_ context.Context, req domain.LoginRequest, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(req.ID) == "" {
		return errors.New("login request id is required")
	}
	s.items[req.ID] = memoryLoginRequest{req: req, evictAt: time.Now().UTC().Add(ttl)}
	return nil
}

func (s *memoryLoginRequestStore) GetAndDelete(_ context.Context, id string) (domain.LoginRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return domain.LoginRequest{}, ErrNotFound
	}
	delete(s.items, id)
	if time.Now().UTC().After(item.evictAt) {
		return domain.LoginRequest{}, ErrNotFound
	}
	return item.req, nil
}

type redisLoginRequestStore struct {
	client redisKV
	prefix string
}

func NewRedisLoginRequestStore(client *redis.Client) LoginRequestStore {
	if client == nil {
		return nil
	}
	return &redisLoginRequestStore{
		client: client,
		prefix: "login:request:",
	}
}

func (s *redisLoginRequestStore) Put(ctx context.Context, req domain.LoginRequest, ttl time.Duration) error {
	if strings.TrimSpace(req.ID) == "" {
		return errors.New("login request id is required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	ctx, cancel := withRedisTimeout(ctx)
	defer cancel()
	return s.client.Set(ctx, s.prefix+req.ID, payload, ttl).Err()
}

func (s *redisLoginRequestStore) GetAndDelete(ctx context.Context, id string) (domain.LoginRequest, error) {
	if strings.TrimSpace(id) == "" {
		return domain.LoginRequest{}, ErrNotFound
	}
	ctx, cancel := withRedisTimeout(ctx)
	defer cancel()
	raw, err := s.client.GetDel(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.LoginRequest{}, ErrNotFound
	}
	if err != nil {
		return domain.LoginRequest{}, err
	}
	var req domain.LoginRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return domain.LoginRequest{}, err
	}
	return req, nil
}
