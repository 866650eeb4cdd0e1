package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Repository is the durable store boundary consumed by the Engine.
type Repository interface {
	CreatePartnership(ctx context.Context, p Partnership) error
	GetPartnership(ctx context.Context, id uuid.UUID) (*Partnership, error)
	GetPartnershipByMember(ctx context.Context, member uuid.UUID) (*Partnership, error)
	UpdateCurrency(ctx context.Context, id uuid.UUID, currency string) error

	SaveRawInput(ctx context.Context, in RawInput) error

	// InsertEntries writes all entries in one transaction or none of them.
	InsertEntries(ctx context.Context, entries []Entry) error
	// SupersedeEntry marks oldID as superseded by entries[0] and inserts the
	// entries stamped with the next interpretation version, atomically.
	SupersedeEntry(ctx context.Context, partnershipID, oldID uuid.UUID, entries []Entry) ([]Entry, error)
	GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error)
	ListEntries(ctx context.Context, partnershipID uuid.UUID, f Filter) ([]Entry, error)
	CategoryTotals(ctx context.Context, partnershipID uuid.UUID, f Filter) ([]CategoryTotal, error)
}

const (
	uniqueViolation = "23505"
	checkViolation  = "23514"
)

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *repository {
	return &repository{db: db}
}

func (r *repository) CreatePartnership(ctx context.Context, p Partnership) error {
	query := `INSERT INTO partnerships (id, member_a, member_b, default_currency, default_split_pct, created_at)
              VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, p.ID, p.MemberA, p.MemberB, p.DefaultCurrency, p.DefaultSplitPct, p.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: member already belongs to a partnership", ErrConstraintViolation)
		}
		return fmt.Errorf("inserting partnership: %w", err)
	}
	return nil
}

const partnershipColumns = `id, member_a, member_b, default_currency, default_split_pct, created_at`

func scanPartnership(row interface{ Scan(...any) error }) (*Partnership, error) {
	var p Partnership
	err := row.Scan(&p.ID, &p.MemberA, &p.MemberB, &p.DefaultCurrency, &p.DefaultSplitPct, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *repository) GetPartnership(ctx context.Context, id uuid.UUID) (*Partnership, error) {
	query := `SELECT ` + partnershipColumns + ` FROM partnerships WHERE id = $1`
	return scanPartnership(r.db.QueryRowContext(ctx, query, id))
}

func (r *repository) GetPartnershipByMember(ctx context.Context, member uuid.UUID) (*Partnership, error) {
	query := `SELECT ` + partnershipColumns + ` FROM partnerships
              WHERE member_a = $1 OR member_b = $1
              ORDER BY created_at ASC
              LIMIT 1`
	return scanPartnership(r.db.QueryRowContext(ctx, query, member))
}

func (r *repository) UpdateCurrency(ctx context.Context, id uuid.UUID, currency string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE partnerships SET default_currency = $1 WHERE id = $2`, currency, id)
	if err != nil {
		return fmt.Errorf("updating currency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) SaveRawInput(ctx context.Context, in RawInput) error {
	query := `INSERT INTO raw_inputs (id, partnership_id, sender_id, raw_text, received_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, query, in.ID, in.PartnershipID, in.SenderID, in.Text, in.ReceivedAt)
	if err != nil {
		return fmt.Errorf("inserting raw input: %w", err)
	}
	return nil
}

func (r *repository) InsertEntries(ctx context.Context, entries []Entry) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *repository) SupersedeEntry(ctx context.Context, partnershipID, oldID uuid.UUID, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no replacement entries", ErrConstraintViolation)
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	lock := `SELECT e.interpretation_version, s.superseded_by
             FROM ledger_entries e
             LEFT JOIN ledger_supersessions s ON s.entry_id = e.id
             WHERE e.id = $1 AND e.partnership_id = $2
             FOR UPDATE OF e`

	var version int
	var supersededBy uuid.NullUUID
	err = tx.QueryRowContext(ctx, lock, oldID, partnershipID).Scan(&version, &supersededBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("locking entry: %w", err)
	}
	if supersededBy.Valid {
		return nil, ErrNotFound
	}

	written := make([]Entry, len(entries))
	for i, e := range entries {
		e.InterpretationVersion = version + 1
		if err := insertEntry(ctx, tx, e); err != nil {
			return nil, err
		}
		written[i] = e
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_supersessions (entry_id, superseded_by, created_at) VALUES ($1, $2, $3)`,
		oldID, written[0].ID, written[0].CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("inserting supersession: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return written, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e Entry) error {
	query := `INSERT INTO ledger_entries (
                id, partnership_id, raw_input_id, kind, amount, currency, category, payer_id,
                split_payer_pct, split_other_pct, event_date, description, tags,
                interpretation_version, created_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := tx.ExecContext(ctx, query,
		e.ID,
		e.PartnershipID,
		e.RawInputID,
		e.Kind,
		e.Amount,
		e.Currency,
		nullString(e.Category),
		e.PayerID,
		e.SplitPayerPct,
		e.SplitOtherPct,
		e.EventDate,
		nullString(e.Description),
		pq.Array(e.Tags),
		e.InterpretationVersion,
		e.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == checkViolation {
			return fmt.Errorf("%w: %s", ErrConstraintViolation, pqErr.Message)
		}
		return fmt.Errorf("inserting ledger entry: %w", err)
	}
	return nil
}

const entryColumns = `e.id, e.partnership_id, e.raw_input_id, e.kind, e.amount, e.currency, e.category, e.payer_id,
                      e.split_payer_pct, e.split_other_pct, e.event_date, e.description, e.tags,
                      e.interpretation_version, e.created_at, s.superseded_by`

const latestColumns = `id, partnership_id, raw_input_id, kind, amount, currency, category, payer_id,
                       split_payer_pct, split_other_pct, event_date, description, tags,
                       interpretation_version, created_at, superseded_by`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var category, description sql.NullString
	var supersededBy uuid.NullUUID
	err := row.Scan(
		&e.ID,
		&e.PartnershipID,
		&e.RawInputID,
		&e.Kind,
		&e.Amount,
		&e.Currency,
		&category,
		&e.PayerID,
		&e.SplitPayerPct,
		&e.SplitOtherPct,
		&e.EventDate,
		&description,
		pq.Array(&e.Tags),
		&e.InterpretationVersion,
		&e.CreatedAt,
		&supersededBy,
	)
	if err != nil {
		return e, err
	}
	e.Category = category.String
	e.Description = description.String
	if supersededBy.Valid {
		id := supersededBy.UUID
		e.SupersededBy = &id
	}
	return e, nil
}

func (r *repository) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	query := `SELECT ` + entryColumns + `
              FROM ledger_entries e
              LEFT JOIN ledger_supersessions s ON s.entry_id = e.id
              WHERE e.id = $1`

	e, err := scanEntry(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// whereClause renders f as SQL conditions against ledger_entries e and
// ledger_supersessions s, starting placeholders after the partnership id.
func whereClause(partnershipID uuid.UUID, f Filter) (string, []any) {
	conds := []string{"e.partnership_id = $1"}
	args := []any{partnershipID}

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if !f.IncludeSuperseded {
		conds = append(conds, "s.entry_id IS NULL")
	}
	if f.Category != "" {
		add("LOWER(e.category) = LOWER($%d)", f.Category)
	}
	if f.Kind != "" {
		add("e.kind = $%d", f.Kind)
	}
	if f.From != nil {
		add("e.event_date >= $%d", DateOnly(*f.From))
	}
	if f.To != nil {
		add("e.event_date <= $%d", DateOnly(*f.To))
	}

	return strings.Join(conds, " AND "), args
}

func (r *repository) ListEntries(ctx context.Context, partnershipID uuid.UUID, f Filter) ([]Entry, error) {
	where, args := whereClause(partnershipID, f)

	query := `SELECT ` + entryColumns + `
              FROM ledger_entries e
              LEFT JOIN ledger_supersessions s ON s.entry_id = e.id
              WHERE ` + where + `
              ORDER BY e.event_date ASC, e.created_at ASC, e.seq ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query = fmt.Sprintf(`SELECT %s FROM (
              SELECT %s, e.seq
              FROM ledger_entries e
              LEFT JOIN ledger_supersessions s ON s.entry_id = e.id
              WHERE %s
              ORDER BY e.event_date DESC, e.created_at DESC, e.seq DESC
              LIMIT $%d) latest
              ORDER BY event_date ASC, created_at ASC, seq ASC`, latestColumns, entryColumns, where, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (r *repository) CategoryTotals(ctx context.Context, partnershipID uuid.UUID, f Filter) ([]CategoryTotal, error) {
	f.IncludeSuperseded = false
	where, args := whereClause(partnershipID, f)
	if f.Kind == "" {
		where += ` AND e.kind IN ('expense', 'correction')`
	}

	query := `SELECT COALESCE(e.category, ''), SUM(e.amount), COUNT(*)
              FROM ledger_entries e
              LEFT JOIN ledger_supersessions s ON s.entry_id = e.id
              WHERE ` + where + `
              GROUP BY COALESCE(e.category, '')
              ORDER BY SUM(e.amount) DESC, COALESCE(e.category, '') ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying category totals: %w", err)
	}
	defer rows.Close()

	var totals []CategoryTotal
	for rows.Next() {
		var t CategoryTotal
		var sum decimal.Decimal
		if err := rows.Scan(&t.Category, &sum, &t.Count); err != nil {
			return nil, err
		}
		t.Total = sum
		totals = append(totals, t)
	}

	return totals, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
