package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tokenlab-io/marketplace/internal/app/domain/service"
	"github.com/tokenlab-io/marketplace/internal/app/domain/transaction"
	"github.com/tokenlab-io/marketplace/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	services     map[string]service.Service
	transactions map[string]transaction.Transaction
	nonces       map[string]struct{}
	windows      map[string]*window
}

type window struct {
	count     int64
	expiresAt time.Time
}

var _ storage.ServiceStore = (*Store)(nil)
var _ storage.TransactionStore = (*Store)(nil)
var _ storage.NonceStore = (*Store)(nil)
var _ storage.WindowStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		services:     make(map[string]service.Service),
		transactions: make(map[string]transaction.Transaction),
		nonces:       make(map[string]struct{}),
		windows:      make(map[string]*window),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// ServiceStore implementation -------------------------------------------------

func (s *Store) CreateService(_ context.Context, svc service.Service) (service.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if svc.ID == "" {
		svc.ID = s.nextIDLocked()
	} else if _, exists := s.services[svc.ID]; exists {
		return service.Service{}, fmt.Errorf("service %s already exists", svc.ID)
	}

	now := time.Now().UTC()
	svc.CreatedAt = now
	svc.UpdatedAt = now
	svc.Tags = cloneTags(svc.Tags)

	s.services[svc.ID] = svc
	return svc, nil
}

func (s *Store) UpdateService(_ context.Context, svc service.Service) (service.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.services[svc.ID]
	if !ok {
		return service.Service{}, fmt.Errorf("service %s not found", svc.ID)
	}

	svc.CreatedAt = original.CreatedAt
	svc.UpdatedAt = time.Now().UTC()
	svc.Tags = cloneTags(svc.Tags)

	s.services[svc.ID] = svc
	return svc, nil
}

func (s *Store) GetService(_ context.Context, id string) (service.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.services[id]
	if !ok {
		return service.Service{}, fmt.Errorf("service %s not found", id)
	}
	return svc, nil
}

func (s *Store) ListServices(_ context.Context, filter service.Filter) ([]service.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []service.Service
	for _, svc := range s.services {
		if filter.Category != "" && !strings.EqualFold(svc.Category, filter.Category) {
			continue
		}
		if filter.ProviderAddress != "" && !strings.EqualFold(svc.ProviderAddress, filter.ProviderAddress) {
			continue
		}
		if filter.Active != nil && svc.Active != *filter.Active {
			continue
		}
		result = append(result, svc)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return page(result, filter.Offset, filter.Limit), nil
}

// TransactionStore implementation ---------------------------------------------

func (s *Store) CreateTransaction(_ context.Context, tx transaction.Transaction) (transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = s.nextIDLocked()
	} else if _, exists := s.transactions[tx.ID]; exists {
		return transaction.Transaction{}, fmt.Errorf("transaction %s already exists", tx.ID)
	}

	if tx.Status == "" {
		tx.Status = transaction.StatusVerified
	}
	if tx.RequestedAt.IsZero() {
		tx.RequestedAt = time.Now().UTC()
	}

	s.transactions[tx.ID] = tx
	return tx, nil
}

func (s *Store) FinalizeTransaction(_ context.Context, id string, status transaction.Status, response json.RawMessage, errorDetail string, duration time.Duration) (transaction.Transaction, error) {
	if !status.Terminal() {
		return transaction.Transaction{}, fmt.Errorf("finalize with non-terminal status %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return transaction.Transaction{}, fmt.Errorf("transaction %s not found", id)
	}
	if tx.Status.Terminal() {
		return transaction.Transaction{}, storage.ErrAlreadyFinal
	}

	tx.Status = status
	tx.ResponsePayload = response
	tx.ErrorDetail = errorDetail
	tx.DurationMs = duration.Milliseconds()
	tx.CompletedAt = time.Now().UTC()

	s.transactions[id] = tx
	return tx, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return transaction.Transaction{}, fmt.Errorf("transaction %s not found", id)
	}
	return tx, nil
}

func (s *Store) ListTransactions(_ context.Context, filter transaction.Filter) ([]transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.filteredLocked(filter)
	sort.Slice(result, func(i, j int) bool {
		return result[i].RequestedAt.After(result[j].RequestedAt)
	})
	return page(result, filter.Offset, filter.Limit), nil
}

func (s *Store) AggregateTransactions(_ context.Context, filter transaction.Filter) (transaction.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var agg transaction.Aggregate
	var durationSum int64
	var finished int64
	for _, tx := range s.filteredLocked(filter) {
		agg.Count++
		agg.AmountSum += tx.Amount
		if tx.Status == transaction.StatusCompleted {
			agg.CompletedCount++
		}
		if tx.Status.Terminal() {
			durationSum += tx.DurationMs
			finished++
		}
	}
	if finished > 0 {
		agg.AvgDurationMs = float64(durationSum) / float64(finished)
	}
	return agg, nil
}

func (s *Store) DailyAggregates(_ context.Context, serviceID string, from, to time.Time) ([]transaction.DailyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byDay := make(map[string]*transaction.DailyStat)
	for _, tx := range s.filteredLocked(transaction.Filter{ServiceID: serviceID, From: from, To: to}) {
		day := tx.RequestedAt.UTC().Format("2006-01-02")
		stat, ok := byDay[day]
		if !ok {
			stat = &transaction.DailyStat{Date: day}
			byDay[day] = stat
		}
		stat.Count++
		stat.AmountSum += tx.Amount
	}

	result := make([]transaction.DailyStat, 0, len(byDay))
	for _, stat := range byDay {
		result = append(result, *stat)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date < result[j].Date })
	return result, nil
}

func (s *Store) ListStaleTransactions(_ context.Context, olderThan time.Time) ([]transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []transaction.Transaction
	for _, tx := range s.transactions {
		if !tx.Status.Terminal() && tx.RequestedAt.Before(olderThan) {
			result = append(result, tx)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RequestedAt.Before(result[j].RequestedAt)
	})
	return result, nil
}

func (s *Store) CountDistinctCallers(_ context.Context, from time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	callers := make(map[string]struct{})
	for _, tx := range s.transactions {
		if !tx.RequestedAt.Before(from) {
			callers[strings.ToLower(tx.CallerAddress)] = struct{}{}
		}
	}
	return int64(len(callers)), nil
}

func (s *Store) filteredLocked(filter transaction.Filter) []transaction.Transaction {
	serviceIDs := make(map[string]struct{}, len(filter.ServiceIDs))
	for _, id := range filter.ServiceIDs {
		serviceIDs[id] = struct{}{}
	}

	var result []transaction.Transaction
	for _, tx := range s.transactions {
		if filter.ServiceID != "" && tx.ServiceID != filter.ServiceID {
			continue
		}
		if len(serviceIDs) > 0 {
			if _, ok := serviceIDs[tx.ServiceID]; !ok {
				continue
			}
		}
		if filter.CallerAddress != "" && !strings.EqualFold(tx.CallerAddress, filter.CallerAddress) {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && tx.RequestedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && tx.RequestedAt.After(filter.To) {
			continue
		}
		result = append(result, tx)
	}
	return result
}

// NonceStore implementation ---------------------------------------------------

func (s *Store) ConsumeNonce(_ context.Context, callerAddress, nonce string) (bool, error) {
	key := strings.ToLower(callerAddress) + ":" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, used := s.nonces[key]; used {
		return false, nil
	}
	s.nonces[key] = struct{}{}
	return true, nil
}

// WindowStore implementation --------------------------------------------------

func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	win, ok := s.windows[key]
	if !ok || now.After(win.expiresAt) {
		win = &window{expiresAt: now.Add(ttl)}
		s.windows[key] = win
	}
	win.count++
	return win.count, nil
}

func cloneTags(tags []string) []string {
	if tags == nil {
		return nil
	}
	return append([]string(nil), tags...)
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
