package user

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type memoryRepository struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]User
	byEmail map[string]uuid.UUID
}

func NewMemoryRepository() *memoryRepository {
	return &memoryRepository{
		byID:    make(map[uuid.UUID]User),
		byEmail: make(map[string]uuid.UUID),
	}
}

func (r *memoryRepository) Register(ctx context.Context, email, name, password string) (*User, error) {
	user, err := newUser(email, name, password)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[user.Email]; ok {
		return nil, ErrEmailExists
	}
	r.byID[user.ID] = *user
	r.byEmail[user.Email] = user.ID
	return user, nil
}

func (r *memoryRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, nil
	}
	user := r.byID[id]
	return &user, nil
}

func (r *memoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

func (r *memoryRepository) VerifyPassword(hashedPassword, password string) error {
	return verifyPassword(hashedPassword, password)
}
