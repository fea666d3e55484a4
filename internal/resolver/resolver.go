// Package resolver implements the Model Resolver (C5): mapping a model name
// to a ranked list of credentials by priority, health, and protocol.
package resolver

import (
	"context"
	"sort"

	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/pkg/models"
)

// Options narrows and orders candidate resolution, per §4.5.
type Options struct {
	PreferredVendor      string
	RequiredProtocol     models.ApiType
	ExcludeCredentialIDs map[string]bool
	MinHealthScore       int
}

// ResolvedInstance is one candidate: a credential paired with the
// model-specific availability/health row.
type ResolvedInstance struct {
	Credential     models.ProviderCredential
	Model          string
	HealthScore    int
	VendorPriority int
}

// Resolver ranks credentials able to serve a model.
type Resolver struct {
	availStore store.ModelAvailabilityStore
	credStore  store.CredentialStore
}

// New constructs a Resolver.
func New(availStore store.ModelAvailabilityStore, credStore store.CredentialStore) *Resolver {
	return &Resolver{availStore: availStore, credStore: credStore}
}

// ResolveAll returns every eligible candidate for model, ranked per §4.5:
// stable sort by (1) preferredVendor first, (2) vendorPriority descending,
// (3) healthScore descending. Filters: isAvailable, credential exists, not
// excluded, meets minHealthScore, and apiType matches requiredProtocol if
// set.
func (r *Resolver) ResolveAll(ctx context.Context, model string, opts Options) ([]ResolvedInstance, error) {
	rows, err := r.availStore.ListAvailability(ctx, model)
	if err != nil {
		return nil, err
	}

	var out []ResolvedInstance
	for _, row := range rows {
		if !row.IsAvailable {
			continue
		}
		if opts.ExcludeCredentialIDs != nil && opts.ExcludeCredentialIDs[row.CredentialID] {
			continue
		}
		if row.HealthScore < opts.MinHealthScore {
			continue
		}
		cred, err := r.credStore.GetCredential(ctx, row.CredentialID)
		if err != nil {
			continue // credential deleted/missing — skip, don't fail the whole resolve
		}
		if opts.RequiredProtocol != "" && cred.ApiType != opts.RequiredProtocol {
			continue
		}
		out = append(out, ResolvedInstance{
			Credential:     *cred,
			Model:          model,
			HealthScore:    row.HealthScore,
			VendorPriority: row.VendorPriority,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if opts.PreferredVendor != "" {
			iPref := out[i].Credential.Vendor == opts.PreferredVendor
			jPref := out[j].Credential.Vendor == opts.PreferredVendor
			if iPref != jPref {
				return iPref
			}
		}
		if out[i].VendorPriority != out[j].VendorPriority {
			return out[i].VendorPriority > out[j].VendorPriority
		}
		return out[i].HealthScore > out[j].HealthScore
	})

	return out, nil
}

// Resolve returns the single best candidate, or nil if none qualify.
func (r *Resolver) Resolve(ctx context.Context, model string, opts Options) (*ResolvedInstance, error) {
	all, err := r.ResolveAll(ctx, model, opts)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return &all[0], nil
}

// UpdateHealth applies the EMA defined in §3 to the (credentialID, model)
// availability row. Per §5 this is meant to run off the hot path — callers
// in internal/forwarder invoke it from a fire-and-forget goroutine, not
// inline with the response write.
func (r *Resolver) UpdateHealth(ctx context.Context, credentialID, model string, success bool) error {
	row, err := r.availStore.GetAvailability(ctx, credentialID, model)
	if err != nil {
		row = &models.ModelAvailability{CredentialID: credentialID, ModelName: model, IsAvailable: true, HealthScore: 100}
	}
	row.HealthScore = models.NextHealthScore(row.HealthScore, success)
	return r.availStore.UpsertAvailability(ctx, row)
}
