package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/creditledger/internal/tracing"
)

// Postgres error codes the store maps to domain errors.
const (
	pqForeignKeyViolation = "23503"
	pqCheckViolation      = "23514"
)

const entryColumns = `id, user_id, amount, type, COALESCE(reference_id, ''), COALESCE(description, ''), created_at`

// insertEntryQuery is shared by every ledger write. The conflict target names the
// partial unique index on (type, reference_id); entries whose type is not covered
// by the predicate, or whose reference is NULL, never conflict.
const insertEntryQuery = `
	INSERT INTO credit_transactions (id, user_id, amount, type, reference_id, description)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
	ON CONFLICT (type, reference_id)
		WHERE reference_id IS NOT NULL
		AND type IN ('purchase', 'payment_failed', 'session_expired', 'addition')
	DO NOTHING
	RETURNING created_at
`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var t string
	if err := row.Scan(&e.ID, &e.UserID, &e.Amount, &t, &e.ReferenceID, &e.Description, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.Type = EntryType(t)
	return e, nil
}

func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

func (s *PostgresStore) beginTx(ctx context.Context) (*sql.Tx, func(), error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	rollback := func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback transaction", slog.String("error", err.Error()))
		}
	}
	return tx, rollback, nil
}

// insertEntry writes entry inside tx. When the reference is already taken it
// returns the existing row and applied=false.
func insertEntry(ctx context.Context, tx *sql.Tx, entry Entry) (Entry, bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	err := tx.QueryRowContext(ctx, insertEntryQuery,
		entry.ID, entry.UserID, entry.Amount, string(entry.Type), entry.ReferenceID, entry.Description,
	).Scan(&entry.CreatedAt)
	switch {
	case err == nil:
		return entry, true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := scanEntry(tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM credit_transactions WHERE type = $1 AND reference_id = $2`,
			string(entry.Type), entry.ReferenceID))
		if err != nil {
			return Entry{}, false, fmt.Errorf("failed to load existing entry: %w", err)
		}
		return existing, false, nil
	case isPQCode(err, pqForeignKeyViolation):
		return Entry{}, false, ErrProfileNotFound
	default:
		return Entry{}, false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
}

// ApplyCredit inserts the entry and increments the balance in one transaction.
// The increment is computed by the database so concurrent writers never lose updates.
func (s *PostgresStore) ApplyCredit(ctx context.Context, entry Entry) (stored Entry, applied bool, err error) {
	if err := validateEntry(entry); err != nil {
		return Entry{}, false, err
	}
	if entry.Type.Sign() <= 0 {
		return Entry{}, false, fmt.Errorf("%w: %s does not credit the balance", ErrInvalidEntry, entry.Type)
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "credit_transactions", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, rollback, err := s.beginTx(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	defer rollback()

	stored, applied, err = insertEntry(ctx, tx, entry)
	if err != nil {
		return Entry{}, false, err
	}
	if !applied {
		s.logger.Debug("ledger entry already applied",
			slog.String("type", string(entry.Type)),
			slog.String("reference_id", entry.ReferenceID))
		return stored, false, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE profiles SET credits = credits + $1, updated_at = NOW() WHERE id = $2`,
		stored.Amount, stored.UserID)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to increment balance: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Entry{}, false, fmt.Errorf("failed to read rows affected: %w", err)
	} else if n == 0 {
		return Entry{}, false, ErrProfileNotFound
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, false, fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Info("ledger credit applied",
		slog.String("user_id", stored.UserID),
		slog.String("type", string(stored.Type)),
		slog.String("reference_id", stored.ReferenceID),
		slog.Int64("amount", stored.Amount))
	return stored, true, nil
}

// RecordEntry appends an entry without touching the balance.
func (s *PostgresStore) RecordEntry(ctx context.Context, entry Entry) (stored Entry, applied bool, err error) {
	if err := validateEntry(entry); err != nil {
		return Entry{}, false, err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "credit_transactions", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, rollback, err := s.beginTx(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	defer rollback()

	stored, applied, err = insertEntry(ctx, tx, entry)
	if err != nil {
		return Entry{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, false, fmt.Errorf("failed to commit: %w", err)
	}
	return stored, applied, nil
}

func insertExecution(ctx context.Context, tx *sql.Tx, exec ServiceExecution) (ServiceExecution, bool, error) {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO service_executions (id, service_id, user_id, credits_used, status, reference_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (reference_id) WHERE reference_id IS NOT NULL DO NOTHING
		RETURNING created_at, updated_at
	`, exec.ID, exec.ServiceID, exec.UserID, exec.CreditsUsed, string(exec.Status), exec.ReferenceID,
	).Scan(&exec.CreatedAt, &exec.UpdatedAt)
	switch {
	case err == nil:
		return exec, true, nil
	case errors.Is(err, sql.ErrNoRows):
		var existing ServiceExecution
		var status string
		err := tx.QueryRowContext(ctx, `
			SELECT id, service_id, user_id, credits_used, status, COALESCE(reference_id, ''), created_at, updated_at
			FROM service_executions WHERE reference_id = $1
		`, exec.ReferenceID).Scan(&existing.ID, &existing.ServiceID, &existing.UserID, &existing.CreditsUsed,
			&status, &existing.ReferenceID, &existing.CreatedAt, &existing.UpdatedAt)
		if err != nil {
			return ServiceExecution{}, false, fmt.Errorf("failed to load existing execution: %w", err)
		}
		existing.Status = ExecutionStatus(status)
		return existing, false, nil
	default:
		return ServiceExecution{}, false, fmt.Errorf("failed to insert service execution: %w", err)
	}
}

// RecordExecution inserts a service execution, idempotent on ReferenceID.
func (s *PostgresStore) RecordExecution(ctx context.Context, exec ServiceExecution) (stored ServiceExecution, applied bool, err error) {
	if exec.UserID == "" || exec.ServiceID == "" {
		return ServiceExecution{}, false, fmt.Errorf("%w: execution needs user_id and service_id", ErrInvalidEntry)
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "service_executions", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, rollback, err := s.beginTx(ctx)
	if err != nil {
		return ServiceExecution{}, false, err
	}
	defer rollback()

	stored, applied, err = insertExecution(ctx, tx, exec)
	if err != nil {
		return ServiceExecution{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return ServiceExecution{}, false, fmt.Errorf("failed to commit: %w", err)
	}
	return stored, applied, nil
}

// SpendCredits debits the balance with a guarded UPDATE so the balance can never
// go negative, then records the payment and the execution.
func (s *PostgresStore) SpendCredits(ctx context.Context, entry Entry, exec ServiceExecution) (storedEntry Entry, storedExec ServiceExecution, err error) {
	if err := validateEntry(entry); err != nil {
		return Entry{}, ServiceExecution{}, err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "profiles", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, rollback, err := s.beginTx(ctx)
	if err != nil {
		return Entry{}, ServiceExecution{}, err
	}
	defer rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE profiles SET credits = credits - $1, updated_at = NOW() WHERE id = $2 AND credits >= $1`,
		entry.Amount, entry.UserID)
	if err != nil {
		if isPQCode(err, pqCheckViolation) {
			return Entry{}, ServiceExecution{}, ErrInsufficientCredits
		}
		return Entry{}, ServiceExecution{}, fmt.Errorf("failed to debit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, ServiceExecution{}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM profiles WHERE id = $1)`, entry.UserID).Scan(&exists); err != nil {
			return Entry{}, ServiceExecution{}, fmt.Errorf("failed to check profile: %w", err)
		}
		if !exists {
			return Entry{}, ServiceExecution{}, ErrProfileNotFound
		}
		return Entry{}, ServiceExecution{}, ErrInsufficientCredits
	}

	storedExec, _, err = insertExecution(ctx, tx, exec)
	if err != nil {
		return Entry{}, ServiceExecution{}, err
	}
	entry.ReferenceID = storedExec.ID
	storedEntry, _, err = insertEntry(ctx, tx, entry)
	if err != nil {
		return Entry{}, ServiceExecution{}, err
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, ServiceExecution{}, fmt.Errorf("failed to commit: %w", err)
	}
	return storedEntry, storedExec, nil
}

// FindEntryByReference returns the entry with the given type and reference.
func (s *PostgresStore) FindEntryByReference(ctx context.Context, entryType EntryType, referenceID string) (entry Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "credit_transactions", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	entry, err = scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM credit_transactions WHERE type = $1 AND reference_id = $2 ORDER BY created_at DESC LIMIT 1`,
		string(entryType), referenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to query ledger entry: %w", err)
	}
	return entry, nil
}

// ListEntries returns the user's newest entries first.
func (s *PostgresStore) ListEntries(ctx context.Context, userID string, limit int) (entries []Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "credit_transactions", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	entries = make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}
	return entries, nil
}

// GetProfile returns the user's profile.
func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (p Profile, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "profiles", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	err = s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(email, ''), COALESCE(first_name, ''), COALESCE(last_name, ''),
			COALESCE(avatar_url, ''), credits, created_at, updated_at
		FROM profiles WHERE id = $1
	`, userID).Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.AvatarURL, &p.Credits, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("failed to query profile: %w", err)
	}
	return p, nil
}

// EnsureProfile inserts a zero-balance profile unless one exists.
func (s *PostgresStore) EnsureProfile(ctx context.Context, profile Profile) (err error) {
	if profile.ID == "" {
		return fmt.Errorf("%w: profile id is required", ErrInvalidEntry)
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "profiles", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email, first_name, last_name, avatar_url, credits)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), 0)
		ON CONFLICT (id) DO NOTHING
	`, profile.ID, profile.Email, profile.FirstName, profile.LastName, profile.AvatarURL)
	if err != nil {
		return fmt.Errorf("failed to ensure profile: %w", err)
	}
	return nil
}

// GetPackage returns an active credit package.
func (s *PostgresStore) GetPackage(ctx context.Context, id string) (p CreditPackage, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "credit_packages", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	err = s.db.QueryRowContext(ctx,
		`SELECT id, name, credits, price, is_active FROM credit_packages WHERE id = $1 AND is_active`,
		id).Scan(&p.ID, &p.Name, &p.Credits, &p.Price, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return CreditPackage{}, ErrPackageNotFound
	}
	if err != nil {
		return CreditPackage{}, fmt.Errorf("failed to query credit package: %w", err)
	}
	return p, nil
}

// GetService returns an active service.
func (s *PostgresStore) GetService(ctx context.Context, id string) (svc Service, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "services", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	err = s.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(description, ''), price, is_active FROM services WHERE id = $1 AND is_active`,
		id).Scan(&svc.ID, &svc.Name, &svc.Description, &svc.Price, &svc.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return Service{}, ErrServiceNotFound
	}
	if err != nil {
		return Service{}, fmt.Errorf("failed to query service: %w", err)
	}
	return svc, nil
}

// ListPackages returns active packages ordered by price.
func (s *PostgresStore) ListPackages(ctx context.Context) (out []CreditPackage, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "credit_packages", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, credits, price, is_active FROM credit_packages WHERE is_active ORDER BY price ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit packages: %w", err)
	}
	defer rows.Close()

	out = make([]CreditPackage, 0)
	for rows.Next() {
		var p CreditPackage
		if err := rows.Scan(&p.ID, &p.Name, &p.Credits, &p.Price, &p.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan credit package: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListServices returns active services ordered by price.
func (s *PostgresStore) ListServices(ctx context.Context) (out []Service, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "services", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(description, ''), price, is_active FROM services WHERE is_active ORDER BY price ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	out = make([]Service, 0)
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Description, &svc.Price, &svc.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// BalanceDrift lists profiles whose counter differs from the signed ledger sum.
func (s *PostgresStore) BalanceDrift(ctx context.Context) (drifts []Drift, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "profiles", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.credits, COALESCE(l.total, 0)
		FROM profiles p
		LEFT JOIN (
			SELECT user_id, SUM(CASE
				WHEN type IN ('purchase', 'addition') THEN amount
				WHEN type IN ('service_payment', 'usage', 'consumption') THEN -amount
				ELSE 0 END) AS total
			FROM credit_transactions
			GROUP BY user_id
		) l ON l.user_id = p.id
		WHERE p.credits <> COALESCE(l.total, 0)
		ORDER BY p.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute balance drift: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.UserID, &d.Counter, &d.LedgerSum); err != nil {
			return nil, fmt.Errorf("failed to scan drift row: %w", err)
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}
