// Package keyring implements the Credential Keyring (C2): storage, listing,
// and selection of upstream provider credentials by vendor and tag.
package keyring

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/agentoven/botgateway/internal/crypto"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/pkg/models"
)

// ErrNoKeyAvailable is returned when no credential exists for a vendor.
var ErrNoKeyAvailable = errors.New("keyring: no key available for vendor")

// Keyring selects provider credentials for bots, decrypting secrets on
// demand and round-robining across survivors of the tag filter.
type Keyring struct {
	store   store.CredentialStore
	secrets *crypto.Secrets

	cursorMu sync.Mutex
	cursors  map[string]*uint64 // key: vendor + "\x00" + tag-bucket
}

// New builds a Keyring backed by the given credential store and secrets box.
func New(credStore store.CredentialStore, secrets *crypto.Secrets) *Keyring {
	return &Keyring{
		store:   credStore,
		secrets: secrets,
		cursors: make(map[string]*uint64),
	}
}

// ListByVendorAndTag lists credentials for a vendor, optionally filtered to
// those carrying the given tag.
func (k *Keyring) ListByVendorAndTag(ctx context.Context, vendor, tag string) ([]models.ProviderCredential, error) {
	all, err := k.store.ListCredentialsByVendor(ctx, vendor)
	if err != nil {
		return nil, err
	}
	if tag == "" {
		return all, nil
	}
	var out []models.ProviderCredential
	for _, c := range all {
		if containsString(c.Tags, tag) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Selected is a credential with its secret decrypted for immediate use. The
// decrypted value must not be cached beyond the request that requested it.
type Selected struct {
	Credential models.ProviderCredential
	APIKey     string
}

// SelectForBot implements §4.2's selection algorithm:
//
//	(a) filter credentials by vendor match
//	(b) if botTags is non-empty, intersect credentials whose tags contain
//	    at least one of botTags; fall back to untagged credentials if empty
//	(c) round-robin among survivors using an atomic counter keyed by
//	    (vendor, tag-bucket) — per-(vendor,tag-bucket), per the Open
//	    Question resolution in DESIGN.md.
func (k *Keyring) SelectForBot(ctx context.Context, vendor string, botTags []string) (*Selected, error) {
	candidates, err := k.store.ListCredentialsByVendor(ctx, vendor)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoKeyAvailable
	}
	// The store lists credentials in no particular order; sort by ID so the
	// round-robin cursor walks the same sequence on every call.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	bucket := "untagged"
	survivors := candidates
	if len(botTags) > 0 {
		tagged := filterByAnyTag(candidates, botTags)
		if len(tagged) > 0 {
			survivors = tagged
			bucket = tagBucket(botTags)
		} else {
			survivors = filterUntagged(candidates)
			if len(survivors) == 0 {
				// No untagged survivors either — fall back to the full
				// vendor set rather than failing a bot with no match.
				survivors = candidates
			}
		}
	}
	// botTags empty: step (b) does not apply at all, so every vendor-matched
	// credential survives to round-robin in step (c), tagged or not.

	cursor := k.cursorFor(vendor, bucket)
	idx := atomic.AddUint64(cursor, 1) - 1
	chosen := survivors[idx%uint64(len(survivors))]

	apiKey, err := k.secrets.Decrypt(chosen.SecretCiphertext)
	if err != nil {
		return nil, err
	}
	return &Selected{Credential: chosen, APIKey: apiKey}, nil
}

// DecryptCredential decrypts a credential already in hand — used by callers
// (the routing engine's load-balance/failover/auto-routing paths) that
// obtained the credential from the Model Resolver rather than SelectForBot.
func (k *Keyring) DecryptCredential(cred models.ProviderCredential) (*Selected, error) {
	apiKey, err := k.secrets.Decrypt(cred.SecretCiphertext)
	if err != nil {
		return nil, err
	}
	return &Selected{Credential: cred, APIKey: apiKey}, nil
}

func (k *Keyring) cursorFor(vendor, bucket string) *uint64 {
	key := vendor + "\x00" + bucket
	k.cursorMu.Lock()
	defer k.cursorMu.Unlock()
	c, ok := k.cursors[key]
	if !ok {
		var zero uint64
		c = &zero
		k.cursors[key] = c
	}
	return c
}

func tagBucket(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

func filterByAnyTag(creds []models.ProviderCredential, tags []string) []models.ProviderCredential {
	var out []models.ProviderCredential
	for _, c := range creds {
		for _, t := range tags {
			if containsString(c.Tags, t) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func filterUntagged(creds []models.ProviderCredential) []models.ProviderCredential {
	var out []models.ProviderCredential
	for _, c := range creds {
		if len(c.Tags) == 0 {
			out = append(out, c)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
