package category

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lib/pq"
)

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *repository {
	return &repository{db: db}
}

func (r *repository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying categories: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (r *repository) Create(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO categories (name) VALUES ($1)`, name)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("inserting category: %w", err)
	}
	return nil
}

func (r *repository) Aliases(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT label, category FROM category_aliases`)
	if err != nil {
		return nil, fmt.Errorf("querying aliases: %w", err)
	}
	defer rows.Close()

	aliases := make(map[string]string)
	for rows.Next() {
		var label, category string
		if err := rows.Scan(&label, &category); err != nil {
			return nil, err
		}
		aliases[label] = category
	}
	return aliases, rows.Err()
}

func (r *repository) SaveAlias(ctx context.Context, label, category string) error {
	query := `INSERT INTO category_aliases (label, category) VALUES ($1, $2)
              ON CONFLICT (label) DO UPDATE SET category = EXCLUDED.category`
	if _, err := r.db.ExecContext(ctx, query, label, category); err != nil {
		return fmt.Errorf("saving alias: %w", err)
	}
	return nil
}

type memoryRepository struct {
	mu      sync.RWMutex
	names   map[string]struct{}
	aliases map[string]string
}

func NewMemoryRepository() *memoryRepository {
	return &memoryRepository{
		names:   make(map[string]struct{}),
		aliases: make(map[string]string),
	}
}

func (r *memoryRepository) List(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.names))
	for n := range r.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (r *memoryRepository) Create(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.names[name]; ok {
		return ErrExists
	}
	r.names[name] = struct{}{}
	return nil
}

func (r *memoryRepository) Aliases(ctx context.Context) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out, nil
}

func (r *memoryRepository) SaveAlias(ctx context.Context, label, category string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.aliases[label] = category
	return nil
}
