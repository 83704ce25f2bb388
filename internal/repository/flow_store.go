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

// FlowStore persiste el estado de un intento de sign-in entre requests.
type FlowStore interface {
	Save(ctx context.Context, flow domain.FlowState, ttl time.Duration) error
	Get(ctx context.Context, id string) (domain.FlowState, error)
	Delete(ctx context.Context, id string) error
}

type memoryFlowStore struct {
	mu    sync.Mutex
	items map[string]memoryFlow
}

type memoryFlow struct {
	payload []byte
	evictAt time.Time
}

func NewMemoryFlowStore() FlowStore {
	return &memoryFlowStore{items: make(map[string]memoryFlow)}
}

func (s *memoryFlowStore) Save(_ context.Context, flow domain.FlowState, ttl time.Duration) error {
	if strings.TrimSpace(flow.ID) == "" {
		return errors.New("flow id is required")
	}
	// se serializa igual que en redis para no compartir punteros con el llamador.
	payload, err := json.Marshal(flow)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[flow.ID] = memoryFlow{payload: payload, evictAt: time.Now().UTC().Add(ttl)}
	return nil
}

func (s *memoryFlowStore) Get(_ context.Context, id string) (domain.FlowState, error) {
	s.mu.Lock()
	item, ok := s.items[id]
	if ok && time.Now().UTC().After(item.evictAt) {
		delete(s.items, id)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return domain.FlowState{}, ErrNotFound
	}
	var flow domain.FlowState
	if err := json.Unmarshal(item.payload, &flow); err != nil {
		return domain.FlowState{}, err
	}
	return flow, nil
}

func (s *memoryFlowStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

type redisFlowStore struct {
	client redisKV
	prefix string
}

func NewRedisFlowStore(client *redis.Client) FlowStore {
	if client == nil {
		return nil
	}
	return &redisFlowStore{
		client: client,
		prefix: "login:flow:",
	}
}

func (s *redisFlowStore) Save(ctx context.Context, flow domain.FlowState, ttl time.Duration) error {
	if strings.TrimSpace(flow.ID) == "" {
		return errors.New("flow id is required")
	}
	payload, err := json.Marshal(flow)
	if err != nil {
		return err
	}
	ctx, cancel := withRedisTimeout(ctx)
	defer cancel()
	return s.client.Set(ctx, s.prefix+flow.ID, payload, ttl).Err()
}

func (s *redisFlowStore) Get(ctx context.Context, id string) (domain.FlowState, error) {
	if strings.TrimSpace(id) == "" {
		return domain.FlowState{}, ErrNotFound
	}
	ctx, cancel := withRedisTimeout(ctx)
	defer cancel()
	raw, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.FlowState{}, ErrNotFound
	}
	if err != nil {
		return domain.FlowState{}, err
	}
	var flow domain.FlowState
	if err := json.Unmarshal(raw, &flow); err != nil {
		return domain.FlowState{}, err
	}
	return flow, nil
}

func (s *redisFlowStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := withRedisTimeout(ctx)
	defer cancel()
	return s.client.Del(ctx, s.prefix+id).Err()
}
