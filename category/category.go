package category

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrEmptyName = errors.New("category name can't be empty")
	ErrExists    = errors.New("category already exists")
)

// Defaults seeded into an empty catalog.
var Defaults = []string{
	"clothing",
	"coffee",
	"dining",
	"education",
	"entertainment",
	"gas",
	"gifts",
	"groceries",
	"health",
	"home",
	"insurance",
	"personal",
	"subscriptions",
	"transport",
	"travel",
	"utilities",
}

// DefaultAliases maps free-text labels onto a canonical category.
var DefaultAliases = map[string]string{
	"broadband":   "utilities",
	"electric":    "utilities",
	"electricity": "utilities",
	"heating":     "utilities",
	"internet":    "utilities",
	"phone":       "utilities",
	"sewage":      "utilities",
	"trash":       "utilities",
	"water":       "utilities",
}

type Repository interface {
	List(ctx context.Context) ([]string, error)
	Create(ctx context.Context, name string) error
	Aliases(ctx context.Context) (map[string]string, error)
	SaveAlias(ctx context.Context, label, category string) error
}

type Catalog struct {
	repo   Repository
	logger *zap.Logger
}

func NewCatalog(repo Repository, logger *zap.Logger) *Catalog {
	return &Catalog{repo: repo, logger: logger}
}

// Normalize lowercases and trims a category label.
func Normalize(label string) string {
	return strings.Join(strings.Fields(strings.ToLower(label)), " ")
}

// Resolve maps a label to its canonical category. Labels that match neither a
// category nor an alias are returned normalized with known set to false.
func (c *Catalog) Resolve(ctx context.Context, label string) (string, bool, error) {
	name := Normalize(label)
	if name == "" {
		return "", false, ErrEmptyName
	}

	aliases, err := c.repo.Aliases(ctx)
	if err != nil {
		return "", false, fmt.Errorf("loading aliases: %w", err)
	}
	if canonical, ok := aliases[name]; ok {
		return canonical, true, nil
	}

	names, err := c.repo.List(ctx)
	if err != nil {
		return "", false, fmt.Errorf("listing categories: %w", err)
	}
	for _, n := range names {
		if n == name {
			return name, true, nil
		}
	}
	return name, false, nil
}

func (c *Catalog) List(ctx context.Context) ([]string, error) {
	names, err := c.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	return names, nil
}

func (c *Catalog) Create(ctx context.Context, name string) (string, error) {
	name = Normalize(name)
	if name == "" {
		return "", ErrEmptyName
	}
	if err := c.repo.Create(ctx, name); err != nil {
		return "", err
	}
	c.logger.Info("category created", zap.String("category", name))
	return name, nil
}

// Ensure creates every category in names that does not exist yet.
func (c *Catalog) Ensure(ctx context.Context, names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := c.Create(ctx, name); err != nil && !errors.Is(err, ErrExists) {
			return err
		}
	}
	return nil
}

// Seed fills an empty catalog with the default categories and aliases.
func (c *Catalog) Seed(ctx context.Context) error {
	names, err := c.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("listing categories: %w", err)
	}
	if len(names) > 0 {
		return nil
	}

	if err := c.Ensure(ctx, Defaults...); err != nil {
		return fmt.Errorf("seeding categories: %w", err)
	}
	for label, category := range DefaultAliases {
		if err := c.repo.SaveAlias(ctx, label, category); err != nil {
			return fmt.Errorf("seeding alias %s: %w", label, err)
		}
	}
	c.logger.Info("category catalog seeded",
		zap.Int("categories", len(Defaults)),
		zap.Int("aliases", len(DefaultAliases)),
	)
	return nil
}
