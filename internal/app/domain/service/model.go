package service

import "time"

// PricingModel enumerates how a service charges callers.
type PricingModel string

const (
	PerCall  PricingModel = "per_call"
	PerToken PricingModel = "per_token"
	Tiered   PricingModel = "tiered"
)

// Valid reports whether the pricing model is one of the known values.
func (m PricingModel) Valid() bool {
	switch m {
	case PerCall, PerToken, Tiered:
		return true
	}
	return false
}

// Service represents a provider-owned offering registered with the
// marketplace. An inactive service is never routable.
type Service struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	ProviderAddress string                 `json:"provider_address"`
	EndpointURL     string                 `json:"endpoint_url"`
	ProxyURL        string                 `json:"proxy_url,omitempty"`
	PricingModel    PricingModel           `json:"pricing_model"`
	BasePrice       float64                `json:"base_price"`
	Currency        string                 `json:"currency"`
	Category        string                 `json:"category,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	APISpec         map[string]interface{} `json:"api_spec,omitempty"`
	Active          bool                   `json:"is_active"`
	RateLimit       int                    `json:"rate_limit"`
	TimeoutSeconds  int                    `json:"timeout"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Timeout returns the upstream call bound as a duration.
func (s Service) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Filter narrows service listings.
type Filter struct {
	Category        string
	ProviderAddress string
	Active          *bool
	Limit           int
	Offset          int
}
