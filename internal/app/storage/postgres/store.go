package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tokenlab-io/marketplace/internal/app/domain/service"
	"github.com/tokenlab-io/marketplace/internal/app/domain/transaction"
	"github.com/tokenlab-io/marketplace/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.ServiceStore = (*Store)(nil)
var _ storage.TransactionStore = (*Store)(nil)
var _ storage.NonceStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- ServiceStore -----------------------------------------------------------

func (s *Store) CreateService(ctx context.Context, svc service.Service) (service.Service, error) {
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	svc.CreatedAt = now
	svc.UpdatedAt = now

	apiSpecJSON, err := json.Marshal(svc.APISpec)
	if err != nil {
		return service.Service{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO services (id, name, description, provider_address, endpoint_url, proxy_url, pricing_model, base_price, currency, category, tags, api_spec, is_active, rate_limit, timeout_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, svc.ID, svc.Name, svc.Description, svc.ProviderAddress, svc.EndpointURL, svc.ProxyURL, svc.PricingModel, svc.BasePrice, svc.Currency, svc.Category, pq.Array(svc.Tags), apiSpecJSON, svc.Active, svc.RateLimit, svc.TimeoutSeconds, svc.CreatedAt, svc.UpdatedAt)
	if err != nil {
		return service.Service{}, err
	}
	return svc, nil
}

func (s *Store) UpdateService(ctx context.Context, svc service.Service) (service.Service, error) {
	existing, err := s.GetService(ctx, svc.ID)
	if err != nil {
		return service.Service{}, err
	}

	svc.ProviderAddress = existing.ProviderAddress
	svc.CreatedAt = existing.CreatedAt
	svc.UpdatedAt = time.Now().UTC()

	apiSpecJSON, err := json.Marshal(svc.APISpec)
	if err != nil {
		return service.Service{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE services
		SET name = $2, description = $3, endpoint_url = $4, proxy_url = $5, pricing_model = $6, base_price = $7, currency = $8, category = $9, tags = $10, api_spec = $11, is_active = $12, rate_limit = $13, timeout_seconds = $14, updated_at = $15
		WHERE id = $1
	`, svc.ID, svc.Name, svc.Description, svc.EndpointURL, svc.ProxyURL, svc.PricingModel, svc.BasePrice, svc.Currency, svc.Category, pq.Array(svc.Tags), apiSpecJSON, svc.Active, svc.RateLimit, svc.TimeoutSeconds, svc.UpdatedAt)
	if err != nil {
		return service.Service{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return service.Service{}, sql.ErrNoRows
	}
	return svc, nil
}

func (s *Store) GetService(ctx context.Context, id string) (service.Service, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, provider_address, endpoint_url, proxy_url, pricing_model, base_price, currency, category, tags, api_spec, is_active, rate_limit, timeout_seconds, created_at, updated_at
		FROM services
		WHERE id = $1
	`, id)
	return scanService(row)
}

func (s *Store) ListServices(ctx context.Context, filter service.Filter) ([]service.Service, error) {
	query := `
		SELECT id, name, description, provider_address, endpoint_url, proxy_url, pricing_model, base_price, currency, category, tags, api_spec, is_active, rate_limit, timeout_seconds, created_at, updated_at
		FROM services
		WHERE ($1 = '' OR category = $1)
		  AND ($2 = '' OR lower(provider_address) = lower($2))
	`
	args := []interface{}{filter.Category, filter.ProviderAddress}
	if filter.Active != nil {
		query += fmt.Sprintf(" AND is_active = $%d", len(args)+1)
		args = append(args, *filter.Active)
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []service.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, svc)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanService(row rowScanner) (service.Service, error) {
	var (
		svc        service.Service
		apiSpecRaw []byte
	)
	if err := row.Scan(&svc.ID, &svc.Name, &svc.Description, &svc.ProviderAddress, &svc.EndpointURL, &svc.ProxyURL, &svc.PricingModel, &svc.BasePrice, &svc.Currency, &svc.Category, pq.Array(&svc.Tags), &apiSpecRaw, &svc.Active, &svc.RateLimit, &svc.TimeoutSeconds, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
		return service.Service{}, err
	}
	if len(apiSpecRaw) > 0 {
		_ = json.Unmarshal(apiSpecRaw, &svc.APISpec)
	}
	return svc, nil
}

// --- TransactionStore -------------------------------------------------------

func (s *Store) CreateTransaction(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Status == "" {
		tx.Status = transaction.StatusVerified
	}
	if tx.RequestedAt.IsZero() {
		tx.RequestedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, service_id, caller_address, amount, currency, nonce, status, request_payload, response_payload, error_detail, requested_at, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, tx.ID, tx.ServiceID, tx.CallerAddress, tx.Amount, tx.Currency, tx.Nonce, tx.Status, []byte(tx.RequestPayload), []byte(tx.ResponsePayload), tx.ErrorDetail, tx.RequestedAt, toNullTime(tx.CompletedAt), tx.DurationMs)
	if err != nil {
		return transaction.Transaction{}, err
	}
	return tx, nil
}

// FinalizeTransaction transitions a record to a terminal state with a
// conditional UPDATE so a record can be finalized at most once even under
// concurrent attempts.
func (s *Store) FinalizeTransaction(ctx context.Context, id string, status transaction.Status, response json.RawMessage, errorDetail string, duration time.Duration) (transaction.Transaction, error) {
	if !status.Terminal() {
		return transaction.Transaction{}, fmt.Errorf("finalize with non-terminal status %s", status)
	}

	completedAt := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, response_payload = $3, error_detail = $4, completed_at = $5, duration_ms = $6
		WHERE id = $1 AND status IN ('pending', 'verified')
	`, id, status, []byte(response), errorDetail, completedAt, duration.Milliseconds())
	if err != nil {
		return transaction.Transaction{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, getErr := s.GetTransaction(ctx, id); getErr != nil {
			return transaction.Transaction{}, getErr
		}
		return transaction.Transaction{}, storage.ErrAlreadyFinal
	}
	return s.GetTransaction(ctx, id)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (transaction.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, service_id, caller_address, amount, currency, nonce, status, request_payload, response_payload, error_detail, requested_at, completed_at, duration_ms
		FROM transactions
		WHERE id = $1
	`, id)
	return scanTransaction(row)
}

func (s *Store) ListTransactions(ctx context.Context, filter transaction.Filter) ([]transaction.Transaction, error) {
	query := `
		SELECT id, service_id, caller_address, amount, currency, nonce, status, request_payload, response_payload, error_detail, requested_at, completed_at, duration_ms
		FROM transactions
	`
	where, args := transactionWhere(filter)
	query += where + " ORDER BY requested_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []transaction.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *Store) AggregateTransactions(ctx context.Context, filter transaction.Filter) (transaction.Aggregate, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COALESCE(SUM(amount), 0),
		       COALESCE(AVG(duration_ms) FILTER (WHERE status IN ('completed', 'failed')), 0)
		FROM transactions
	`
	where, args := transactionWhere(filter)
	query += where

	var agg transaction.Aggregate
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&agg.Count, &agg.CompletedCount, &agg.AmountSum, &agg.AvgDurationMs); err != nil {
		return transaction.Aggregate{}, err
	}
	return agg, nil
}

func (s *Store) DailyAggregates(ctx context.Context, serviceID string, from, to time.Time) ([]transaction.DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(requested_at, 'YYYY-MM-DD'), COUNT(*), COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE service_id = $1 AND requested_at >= $2 AND requested_at <= $3
		GROUP BY 1
		ORDER BY 1
	`, serviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []transaction.DailyStat
	for rows.Next() {
		var stat transaction.DailyStat
		if err := rows.Scan(&stat.Date, &stat.Count, &stat.AmountSum); err != nil {
			return nil, err
		}
		result = append(result, stat)
	}
	return result, rows.Err()
}

func (s *Store) ListStaleTransactions(ctx context.Context, olderThan time.Time) ([]transaction.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_id, caller_address, amount, currency, nonce, status, request_payload, response_payload, error_detail, requested_at, completed_at, duration_ms
		FROM transactions
		WHERE status IN ('pending', 'verified') AND requested_at < $1
		ORDER BY requested_at
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []transaction.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *Store) CountDistinctCallers(ctx context.Context, from time.Time) (int64, error) {
	var count int64
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT lower(caller_address))
		FROM transactions
		WHERE requested_at >= $1
	`, from)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func transactionWhere(filter transaction.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, value interface{}) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.ServiceID != "" {
		add("service_id = $%d", filter.ServiceID)
	}
	if len(filter.ServiceIDs) > 0 {
		add("service_id = ANY($%d)", pq.Array(filter.ServiceIDs))
	}
	if filter.CallerAddress != "" {
		add("lower(caller_address) = lower($%d)", filter.CallerAddress)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if !filter.From.IsZero() {
		add("requested_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("requested_at <= $%d", filter.To)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanTransaction(row rowScanner) (transaction.Transaction, error) {
	var (
		tx          transaction.Transaction
		requestRaw  []byte
		responseRaw []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(&tx.ID, &tx.ServiceID, &tx.CallerAddress, &tx.Amount, &tx.Currency, &tx.Nonce, &tx.Status, &requestRaw, &responseRaw, &tx.ErrorDetail, &tx.RequestedAt, &completedAt, &tx.DurationMs); err != nil {
		return transaction.Transaction{}, err
	}
	if len(requestRaw) > 0 {
		tx.RequestPayload = json.RawMessage(requestRaw)
	}
	if len(responseRaw) > 0 {
		tx.ResponsePayload = json.RawMessage(responseRaw)
	}
	if completedAt.Valid {
		tx.CompletedAt = completedAt.Time.UTC()
	}
	return tx, nil
}

// --- NonceStore -------------------------------------------------------------

// ConsumeNonce marks a (caller, nonce) pair as used with a conditional
// insert. Exactly one of any number of concurrent calls for the same pair
// inserts the row; the rest observe a conflict and are rejected.
func (s *Store) ConsumeNonce(ctx context.Context, callerAddress, nonce string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO consumed_nonces (caller_address, nonce, consumed_at)
		VALUES (lower($1), $2, $3)
		ON CONFLICT (caller_address, nonce) DO NOTHING
	`, callerAddress, nonce, time.Now().UTC())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
