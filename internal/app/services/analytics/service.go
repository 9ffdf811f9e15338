package analytics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tokenlab-io/marketplace/internal/app/domain/service"
	"github.com/tokenlab-io/marketplace/internal/app/domain/transaction"
	"github.com/tokenlab-io/marketplace/internal/app/storage"
	"github.com/tokenlab-io/marketplace/pkg/logger"
)

// ServiceStats summarizes ledger activity for one service over a window.
type ServiceStats struct {
	ServiceID          string                  `json:"service_id"`
	PeriodDays         int                     `json:"period_days"`
	TotalRequests      int64                   `json:"total_requests"`
	SuccessfulRequests int64                   `json:"successful_requests"`
	SuccessRate        float64                 `json:"success_rate"`
	Revenue            float64                 `json:"revenue"`
	AvgResponseMs      float64                 `json:"avg_response_ms"`
	Daily              []transaction.DailyStat `json:"daily"`
}

// MarketplaceStats summarizes the marketplace as a whole. Volume figures
// cover the trailing 30 days.
type MarketplaceStats struct {
	TotalServices   int64           `json:"total_services"`
	ActiveServices  int64           `json:"active_services"`
	UniqueProviders int64           `json:"unique_providers"`
	TotalRequests   int64           `json:"total_requests_30d"`
	TotalVolume     float64         `json:"total_volume_30d"`
	UniqueCallers   int64           `json:"unique_callers_30d"`
	TopCategories   []CategoryCount `json:"top_categories"`
}

// CategoryCount pairs a service category with how many services carry it.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// ProviderRevenue aggregates completed-call revenue across all of one
// provider's services.
type ProviderRevenue struct {
	ProviderAddress string    `json:"provider_address"`
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
	ServiceCount    int       `json:"service_count"`
	TotalRequests   int64     `json:"total_requests"`
	TotalRevenue    float64   `json:"total_revenue"`
}

// Service computes read-side aggregates from the ledger and registry.
type Service struct {
	services storage.ServiceStore
	ledger   storage.TransactionStore
	log      *logger.Logger
}

func New(services storage.ServiceStore, ledger storage.TransactionStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("analytics-service")
	}
	return &Service{services: services, ledger: ledger, log: log}
}

// ServiceStats returns activity for one service over the trailing days.
// Days outside [1, 365] are clamped.
func (s *Service) ServiceStats(ctx context.Context, serviceID string, days int) (ServiceStats, error) {
	if strings.TrimSpace(serviceID) == "" {
		return ServiceStats{}, fmt.Errorf("service id is required")
	}
	if days < 1 {
		days = 30
	}
	if days > 365 {
		days = 365
	}

	if _, err := s.services.GetService(ctx, serviceID); err != nil {
		return ServiceStats{}, err
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -days)

	agg, err := s.ledger.AggregateTransactions(ctx, transaction.Filter{
		ServiceID: serviceID,
		From:      from,
		To:        now,
	})
	if err != nil {
		return ServiceStats{}, fmt.Errorf("aggregate transactions: %w", err)
	}

	daily, err := s.ledger.DailyAggregates(ctx, serviceID, from, now)
	if err != nil {
		return ServiceStats{}, fmt.Errorf("daily aggregates: %w", err)
	}

	stats := ServiceStats{
		ServiceID:          serviceID,
		PeriodDays:         days,
		TotalRequests:      agg.Count,
		SuccessfulRequests: agg.CompletedCount,
		Revenue:            agg.AmountSum,
		AvgResponseMs:      agg.AvgDurationMs,
		Daily:              daily,
	}
	if agg.Count > 0 {
		stats.SuccessRate = float64(agg.CompletedCount) / float64(agg.Count)
	}
	return stats, nil
}

// MarketplaceStats returns marketplace-wide figures. Registry counts cover
// all services; request volume covers the trailing 30 days.
func (s *Service) MarketplaceStats(ctx context.Context) (MarketplaceStats, error) {
	all, err := s.services.ListServices(ctx, service.Filter{})
	if err != nil {
		return MarketplaceStats{}, fmt.Errorf("list services: %w", err)
	}

	providers := make(map[string]struct{})
	categories := make(map[string]int64)
	var active int64
	for _, svc := range all {
		providers[strings.ToLower(svc.ProviderAddress)] = struct{}{}
		if svc.Active {
			active++
		}
		if svc.Category != "" {
			categories[svc.Category]++
		}
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)

	agg, err := s.ledger.AggregateTransactions(ctx, transaction.Filter{From: from, To: now})
	if err != nil {
		return MarketplaceStats{}, fmt.Errorf("aggregate transactions: %w", err)
	}
	callers, err := s.ledger.CountDistinctCallers(ctx, from)
	if err != nil {
		return MarketplaceStats{}, fmt.Errorf("count distinct callers: %w", err)
	}

	stats := MarketplaceStats{
		TotalServices:   int64(len(all)),
		ActiveServices:  active,
		UniqueProviders: int64(len(providers)),
		TotalRequests:   agg.Count,
		TotalVolume:     agg.AmountSum,
		UniqueCallers:   callers,
		TopCategories:   topCategories(categories, 5),
	}
	return stats, nil
}

// ProviderRevenue aggregates completed-call revenue over the provider's
// services within [from, to]. A zero "to" means now; a zero "from" means 30
// days before "to".
func (s *Service) ProviderRevenue(ctx context.Context, providerAddress string, from, to time.Time) (ProviderRevenue, error) {
	providerAddress = strings.ToLower(strings.TrimSpace(providerAddress))
	if providerAddress == "" {
		return ProviderRevenue{}, fmt.Errorf("provider address is required")
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}

	owned, err := s.services.ListServices(ctx, service.Filter{ProviderAddress: providerAddress})
	if err != nil {
		return ProviderRevenue{}, fmt.Errorf("list services: %w", err)
	}

	rev := ProviderRevenue{
		ProviderAddress: providerAddress,
		From:            from,
		To:              to,
		ServiceCount:    len(owned),
	}
	if len(owned) == 0 {
		return rev, nil
	}

	ids := make([]string, 0, len(owned))
	for _, svc := range owned {
		ids = append(ids, svc.ID)
	}

	agg, err := s.ledger.AggregateTransactions(ctx, transaction.Filter{
		ServiceIDs: ids,
		From:       from,
		To:         to,
	})
	if err != nil {
		return ProviderRevenue{}, fmt.Errorf("aggregate transactions: %w", err)
	}
	rev.TotalRequests = agg.Count
	rev.TotalRevenue = agg.AmountSum
	return rev, nil
}

func topCategories(counts map[string]int64, limit int) []CategoryCount {
	out := make([]CategoryCount, 0, len(counts))
	for category, count := range counts {
		out = append(out, CategoryCount{Category: category, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
