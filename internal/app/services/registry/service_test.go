package registry

import (
	"context"
	"strings"
	"testing"

	"github.com/tokenlab-io/marketplace/internal/app/domain/service"
	"github.com/tokenlab-io/marketplace/internal/app/storage/memory"
)

const providerAddr = "0xAbCd000000000000000000000000000000000001"

func TestService_Register(t *testing.T) {
	svc := New(memory.New(), "https://api.example.com/", nil)

	created, err := svc.Register(context.Background(), service.Service{
		Name:            "  sentiment  ",
		ProviderAddress: providerAddr,
		EndpointURL:     "https://provider.example.com/v1/analyze",
		PricingModel:    service.PerCall,
		BasePrice:       0.1,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("id not assigned")
	}
	if created.Name != "sentiment" {
		t.Fatalf("name not trimmed: %q", created.Name)
	}
	if created.ProviderAddress != strings.ToLower(providerAddr) {
		t.Fatalf("provider address not normalised: %s", created.ProviderAddress)
	}
	if created.ProxyURL != "https://api.example.com/api/v1/proxy/"+created.ID {
		t.Fatalf("unexpected proxy url: %s", created.ProxyURL)
	}
	if !created.Active {
		t.Fatalf("new services start active")
	}
	if created.Currency != "ETH" || created.RateLimit != 10 || created.TimeoutSeconds != 30 {
		t.Fatalf("defaults not applied: %+v", created)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := New(memory.New(), "https://api.example.com", nil)

	base := service.Service{
		Name:            "svc",
		ProviderAddress: providerAddr,
		EndpointURL:     "https://provider.example.com/v1",
		PricingModel:    service.PerCall,
	}

	cases := []struct {
		name   string
		mutate func(*service.Service)
	}{
		{"empty name", func(s *service.Service) { s.Name = "  " }},
		{"bad address", func(s *service.Service) { s.ProviderAddress = "not-an-address" }},
		{"empty endpoint", func(s *service.Service) { s.EndpointURL = "" }},
		{"non-http endpoint", func(s *service.Service) { s.EndpointURL = "ftp://provider.example.com" }},
		{"hostless endpoint", func(s *service.Service) { s.EndpointURL = "https://" }},
		{"bad pricing model", func(s *service.Service) { s.PricingModel = "per_minute" }},
		{"negative price", func(s *service.Service) { s.BasePrice = -1 }},
	}
	for _, tc := range cases {
		candidate := base
		tc.mutate(&candidate)
		if _, err := svc.Register(context.Background(), candidate); err == nil {
			t.Fatalf("%s: registration should fail", tc.name)
		}
	}
}

func TestService_ApplyUpdate(t *testing.T) {
	svc := New(memory.New(), "https://api.example.com", nil)

	created, err := svc.Register(context.Background(), service.Service{
		Name:            "svc",
		ProviderAddress: providerAddr,
		EndpointURL:     "https://provider.example.com/v1",
		PricingModel:    service.PerCall,
		BasePrice:       0.1,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	newName := "svc-v2"
	newPrice := 0.2
	updated, err := svc.Apply(context.Background(), created.ID, Update{Name: &newName, BasePrice: &newPrice})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.Name != "svc-v2" || updated.BasePrice != 0.2 {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.ProviderAddress != created.ProviderAddress {
		t.Fatalf("provider address must be immutable")
	}
	if updated.EndpointURL != created.EndpointURL {
		t.Fatalf("unset fields must be untouched")
	}

	empty := "  "
	if _, err := svc.Apply(context.Background(), created.ID, Update{Name: &empty}); err == nil {
		t.Fatalf("blank name must be rejected")
	}

	badRate := 0
	if _, err := svc.Apply(context.Background(), created.ID, Update{RateLimit: &badRate}); err == nil {
		t.Fatalf("non-positive rate limit must be rejected")
	}
}

func TestService_Deactivate(t *testing.T) {
	store := memory.New()
	svc := New(store, "https://api.example.com", nil)

	created, err := svc.Register(context.Background(), service.Service{
		Name:            "svc",
		ProviderAddress: providerAddr,
		EndpointURL:     "https://provider.example.com/v1",
		PricingModel:    service.PerCall,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	deactivated, err := svc.Deactivate(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if deactivated.Active {
		t.Fatalf("service should be inactive")
	}

	// Soft delete: the record survives for ledger references.
	if _, err := store.GetService(context.Background(), created.ID); err != nil {
		t.Fatalf("deactivated service must remain readable: %v", err)
	}

	again, err := svc.Deactivate(context.Background(), created.ID)
	if err != nil || again.Active {
		t.Fatalf("deactivate should be idempotent: %+v err=%v", again, err)
	}
}
