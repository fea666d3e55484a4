// Package tokens implements the Bot Token Service (C3): issuance, hashing,
// and validation of short-lived bearer tokens that authorize a bot
// container to make upstream calls.
package tokens

import (
	"context"
	"time"

	"github.com/agentoven/botgateway/internal/crypto"
	"github.com/agentoven/botgateway/internal/store"
	"github.com/agentoven/botgateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// touchQueueCapacity bounds the fire-and-forget lastUsedAt/requestCount
// update queue per §5 and §9: never spawn an unbounded set of background
// goroutines per request, and drop-oldest on a full queue to preserve
// latency over completeness.
const touchQueueCapacity = 1024

type touchEvent struct {
	hash string
	at   time.Time
}

// Service mints, validates, and revokes ProxyTokens.
type Service struct {
	store   store.ProxyTokenStore
	secrets *crypto.Secrets
	ttl     time.Duration

	touchCh chan touchEvent
	doneCh  chan struct{}
}

// New constructs a Service and starts its single background consumer that
// applies lastUsedAt/requestCount updates without blocking the request path.
func New(ctx context.Context, tokenStore store.ProxyTokenStore, secrets *crypto.Secrets, ttl time.Duration) *Service {
	s := &Service{
		store:   tokenStore,
		secrets: secrets,
		ttl:     ttl,
		touchCh: make(chan touchEvent, touchQueueCapacity),
		doneCh:  make(chan struct{}),
	}
	go s.runTouchConsumer(ctx)
	return s
}

func (s *Service) runTouchConsumer(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.touchCh:
			if err := s.store.TouchToken(ctx, ev.hash, ev.at); err != nil {
				log.Warn().Err(err).Msg("Token touch update failed")
			}
		}
	}
}

func (s *Service) enqueueTouch(hash string, at time.Time) {
	select {
	case s.touchCh <- touchEvent{hash: hash, at: at}:
	default:
		// Queue full — drop the oldest pending touch to make room rather
		// than block the caller's hot path.
		select {
		case <-s.touchCh:
		default:
		}
		select {
		case s.touchCh <- touchEvent{hash: hash, at: at}:
		default:
		}
	}
}

// Register mints a new token for botId, vendor, and credentialId. If a
// prior token exists for botId it is hard-deleted first — bot id is unique
// per token, so rotation deletes rather than orphans the old row.
func (s *Service) Register(ctx context.Context, botID, vendor, credentialID string, tags []string) (plaintext string, expiresAt time.Time, err error) {
	if err := s.store.DeleteTokenForBot(ctx, botID); err != nil {
		return "", time.Time{}, err
	}

	plaintext, err = crypto.MintToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt = time.Now().UTC().Add(s.ttl)

	row := &models.ProxyToken{
		BotID:        botID,
		TokenHash:    crypto.HashToken(plaintext),
		Vendor:       vendor,
		CredentialID: credentialID,
		Tags:         tags,
		ExpiresAt:    &expiresAt,
	}
	if err := s.store.CreateToken(ctx, row); err != nil {
		return "", time.Time{}, err
	}
	return plaintext, expiresAt, nil
}

// Validation is the result of validating a bearer token.
type Validation struct {
	Valid        bool
	BotID        string
	Vendor       string
	CredentialID string
	APIKey       string
	ApiType      models.ApiType
	BaseURL      string
	Metadata     map[string]string
}

// Validate looks up a plaintext token by its hash and checks §4.3's
// contract: the row must exist, be unrevoked, and unexpired. On success the
// decrypted upstream API key is attached and an async lastUsedAt/
// requestCount bump is kicked off without blocking the caller.
func (s *Service) Validate(ctx context.Context, plaintextToken string, credGet func(ctx context.Context, id string) (*models.ProviderCredential, error)) (*Validation, error) {
	hash := crypto.HashToken(plaintextToken)
	row, err := s.store.GetTokenByHash(ctx, hash)
	if err != nil {
		return &Validation{Valid: false}, nil
	}
	if !row.Valid(time.Now().UTC()) {
		return &Validation{Valid: false}, nil
	}

	cred, err := credGet(ctx, row.CredentialID)
	if err != nil {
		return nil, err
	}
	apiKey, err := s.secrets.Decrypt(cred.SecretCiphertext)
	if err != nil {
		return nil, err
	}

	s.enqueueTouch(hash, time.Now().UTC())

	return &Validation{
		Valid:        true,
		BotID:        row.BotID,
		Vendor:       row.Vendor,
		CredentialID: row.CredentialID,
		APIKey:       apiKey,
		ApiType:      cred.ApiType,
		BaseURL:      cred.BaseURL,
		Metadata:     cred.Metadata,
	}, nil
}

// ValidateDirect implements direct-mode auth (§6, §9 Open Questions): when
// ZERO_TRUST_MODE is false the presented token is checked against the
// requesting bot's own proxyTokenHash instead of a ProxyToken row — there is
// no mint/rotate/revoke lifecycle on this path, so unlike Validate there is
// no expiry check and no async touch; the bot lifecycle orchestrator owns
// setting and clearing proxyTokenHash directly.
func (s *Service) ValidateDirect(ctx context.Context, plaintextToken string, botGet func(ctx context.Context, hash string) (*models.Bot, error), credGet func(ctx context.Context, id string) (*models.ProviderCredential, error)) (*Validation, error) {
	hash := crypto.HashToken(plaintextToken)
	bot, err := botGet(ctx, hash)
	if err != nil || bot == nil || bot.ProxyTokenHash == "" || bot.ProxyTokenHash != hash {
		return &Validation{Valid: false}, nil
	}

	cred, err := credGet(ctx, bot.DirectCredentialID)
	if err != nil {
		return nil, err
	}
	apiKey, err := s.secrets.Decrypt(cred.SecretCiphertext)
	if err != nil {
		return nil, err
	}

	return &Validation{
		Valid:        true,
		BotID:        bot.ID,
		Vendor:       bot.DirectVendor,
		CredentialID: bot.DirectCredentialID,
		APIKey:       apiKey,
		ApiType:      cred.ApiType,
		BaseURL:      cred.BaseURL,
		Metadata:     cred.Metadata,
	}, nil
}

// Revoke sets revokedAt for botID's token.
func (s *Service) Revoke(ctx context.Context, botID string) error {
	return s.store.RevokeTokenForBot(ctx, botID, time.Now().UTC())
}

// DeleteForBot hard-deletes the token row on bot removal.
func (s *Service) DeleteForBot(ctx context.Context, botID string) error {
	return s.store.DeleteTokenForBot(ctx, botID)
}
