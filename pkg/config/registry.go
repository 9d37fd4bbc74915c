package config

import (
	"fmt"
	"sync"
)

// PackRegistry holds registered domain packs and tenant policy packs,
// keyed by (tenant_id, domain, version) with a latest pointer per key.
// Packs are immutable once registered: re-registering an existing
// version is rejected.
type PackRegistry struct {
	mu sync.RWMutex

	domains      map[string]*DomainPack       // "domain@version"
	latestDomain map[string]string            // domain → version
	tenants      map[string]*TenantPolicyPack // "tenant/domain@version"
	latestTenant map[string]string            // "tenant/domain" → version
}

// NewPackRegistry creates an empty registry.
func NewPackRegistry() *PackRegistry {
	return &PackRegistry{
		domains:      make(map[string]*DomainPack),
		latestDomain: make(map[string]string),
		tenants:      make(map[string]*TenantPolicyPack),
		latestTenant: make(map[string]string),
	}
}

// RegisterDomainPack adds a domain pack version.
func (r *PackRegistry) RegisterDomainPack(pack *DomainPack) error {
	if err := pack.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := pack.Domain + "@" + pack.Version
	if _, exists := r.domains[key]; exists {
		return fmt.Errorf("%w: domain pack %s", ErrPackImmutable, key)
	}
	r.domains[key] = pack
	r.latestDomain[pack.Domain] = pack.Version
	return nil
}

// RegisterTenantPolicy adds a tenant policy pack version.
func (r *PackRegistry) RegisterTenantPolicy(pack *TenantPolicyPack) error {
	if err := pack.Validate(); err != nil {
		return err
	}
	if pack.Version == "" {
		pack.Version = "1"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := pack.TenantID + "/" + pack.Domain + "@" + pack.Version
	if _, exists := r.tenants[key]; exists {
		return fmt.Errorf("%w: tenant policy %s", ErrPackImmutable, key)
	}
	r.tenants[key] = pack
	r.latestTenant[pack.TenantID+"/"+pack.Domain] = pack.Version
	return nil
}

// DomainPack returns the latest version of a domain pack.
func (r *PackRegistry) DomainPack(domain string) (*DomainPack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, ok := r.latestDomain[domain]
	if !ok {
		return nil, fmt.Errorf("%w: domain pack %q", ErrPackNotFound, domain)
	}
	return r.domains[domain+"@"+version], nil
}

// TenantPolicy returns the latest tenant policy for a tenant/domain pair.
func (r *PackRegistry) TenantPolicy(tenantID, domain string) (*TenantPolicyPack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, ok := r.latestTenant[tenantID+"/"+domain]
	if !ok {
		return nil, fmt.Errorf("%w: tenant policy %s/%s", ErrPackNotFound, tenantID, domain)
	}
	return r.tenants[tenantID+"/"+domain+"@"+version], nil
}

// TenantPolicyAny returns the latest version of one of the tenant's
// policies regardless of domain. When the tenant has policies for several
// domains, which domain's policy is returned is not defined. Useful for
// workers that only know the tenant id.
func (r *PackRegistry) TenantPolicyAny(tenantID string) (*TenantPolicyPack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for key, version := range r.latestTenant {
		if len(key) > len(tenantID) && key[:len(tenantID)] == tenantID && key[len(tenantID)] == '/' {
			return r.tenants[key+"@"+version], nil
		}
	}
	return nil, fmt.Errorf("%w: tenant policy for %s", ErrPackNotFound, tenantID)
}

// Stats summarizes registry contents for the health endpoint.
type Stats struct {
	DomainPacks    int `json:"domain_packs"`
	TenantPolicies int `json:"tenant_policies"`
}

// Stats returns registry counts.
func (r *PackRegistry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		DomainPacks:    len(r.domains),
		TenantPolicies: len(r.tenants),
	}
}
