// Package registry manages the catalogue of provider-registered services.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/tokenlab-io/marketplace/internal/app/domain/service"
	"github.com/tokenlab-io/marketplace/internal/app/services/payment"
	"github.com/tokenlab-io/marketplace/internal/app/storage"
	"github.com/tokenlab-io/marketplace/pkg/logger"
)

const (
	defaultCurrency  = "ETH"
	defaultRateLimit = 10
	defaultTimeout   = 30
)

// Service manages marketplace service registrations.
type Service struct {
	store   storage.ServiceStore
	baseURL string
	log     *logger.Logger
}

// New constructs the registry. baseURL is the public proxy origin used to
// generate routing URLs for registered services.
func New(store storage.ServiceStore, baseURL string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	return &Service{
		store:   store,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		log:     log,
	}
}

// Register validates and stores a new service offering. The provider address
// is normalized to lowercase and a proxy URL is generated before persisting.
func (s *Service) Register(ctx context.Context, svc service.Service) (service.Service, error) {
	svc.Name = strings.TrimSpace(svc.Name)
	svc.EndpointURL = strings.TrimSpace(svc.EndpointURL)
	svc.ProviderAddress = strings.ToLower(strings.TrimSpace(svc.ProviderAddress))

	if svc.Name == "" {
		return service.Service{}, fmt.Errorf("name is required")
	}
	if !payment.ValidAddress(svc.ProviderAddress) {
		return service.Service{}, fmt.Errorf("provider_address must be a 0x-prefixed 20-byte hex address")
	}
	if err := validateEndpoint(svc.EndpointURL); err != nil {
		return service.Service{}, err
	}
	if !svc.PricingModel.Valid() {
		return service.Service{}, fmt.Errorf("pricing_model must be one of per_call, per_token, tiered")
	}
	if svc.BasePrice < 0 {
		return service.Service{}, fmt.Errorf("base_price cannot be negative")
	}
	if svc.Currency == "" {
		svc.Currency = defaultCurrency
	}
	if svc.RateLimit <= 0 {
		svc.RateLimit = defaultRateLimit
	}
	if svc.TimeoutSeconds <= 0 {
		svc.TimeoutSeconds = defaultTimeout
	}

	svc.ID = uuid.NewString()
	svc.ProxyURL = s.ProxyURL(svc.ID)
	svc.Active = true

	created, err := s.store.CreateService(ctx, svc)
	if err != nil {
		return service.Service{}, err
	}
	s.log.WithField("service_id", created.ID).
		WithField("provider", created.ProviderAddress).
		Info("service registered")
	return created, nil
}

// ProxyURL returns the payment-gated routing URL for a service id.
func (s *Service) ProxyURL(serviceID string) string {
	return fmt.Sprintf("%s/api/v1/proxy/%s", s.baseURL, serviceID)
}

// Get returns a service by id.
func (s *Service) Get(ctx context.Context, id string) (service.Service, error) {
	return s.store.GetService(ctx, id)
}

// List returns services matching the filter.
func (s *Service) List(ctx context.Context, filter service.Filter) ([]service.Service, error) {
	return s.store.ListServices(ctx, filter)
}

// Update describes mutable registration fields. Nil fields are left
// unchanged.
type Update struct {
	Name           *string
	Description    *string
	EndpointURL    *string
	BasePrice      *float64
	Category       *string
	Tags           []string
	RateLimit      *int
	TimeoutSeconds *int
	Active         *bool
}

// Apply updates a service's mutable fields. The provider address is
// immutable.
func (s *Service) Apply(ctx context.Context, id string, update Update) (service.Service, error) {
	svc, err := s.store.GetService(ctx, id)
	if err != nil {
		return service.Service{}, err
	}

	if update.Name != nil {
		if trimmed := strings.TrimSpace(*update.Name); trimmed != "" {
			svc.Name = trimmed
		} else {
			return service.Service{}, fmt.Errorf("name cannot be empty")
		}
	}
	if update.Description != nil {
		svc.Description = *update.Description
	}
	if update.EndpointURL != nil {
		endpoint := strings.TrimSpace(*update.EndpointURL)
		if err := validateEndpoint(endpoint); err != nil {
			return service.Service{}, err
		}
		svc.EndpointURL = endpoint
	}
	if update.BasePrice != nil {
		if *update.BasePrice < 0 {
			return service.Service{}, fmt.Errorf("base_price cannot be negative")
		}
		svc.BasePrice = *update.BasePrice
	}
	if update.Category != nil {
		svc.Category = *update.Category
	}
	if update.Tags != nil {
		svc.Tags = update.Tags
	}
	if update.RateLimit != nil {
		if *update.RateLimit <= 0 {
			return service.Service{}, fmt.Errorf("rate_limit must be positive")
		}
		svc.RateLimit = *update.RateLimit
	}
	if update.TimeoutSeconds != nil {
		if *update.TimeoutSeconds <= 0 {
			return service.Service{}, fmt.Errorf("timeout must be positive")
		}
		svc.TimeoutSeconds = *update.TimeoutSeconds
	}
	if update.Active != nil {
		svc.Active = *update.Active
	}

	updated, err := s.store.UpdateService(ctx, svc)
	if err != nil {
		return service.Service{}, err
	}
	s.log.WithField("service_id", updated.ID).Info("service updated")
	return updated, nil
}

// Deactivate soft-deletes a service. The record is retained for existing
// transaction references; an inactive service is never routable.
func (s *Service) Deactivate(ctx context.Context, id string) (service.Service, error) {
	svc, err := s.store.GetService(ctx, id)
	if err != nil {
		return service.Service{}, err
	}
	if !svc.Active {
		return svc, nil
	}

	svc.Active = false
	updated, err := s.store.UpdateService(ctx, svc)
	if err != nil {
		return service.Service{}, err
	}
	s.log.WithField("service_id", updated.ID).Info("service deactivated")
	return updated, nil
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint_url is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("endpoint_url invalid: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("endpoint_url must use http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("endpoint_url must include a host")
	}
	return nil
}
