package store

import (
	"context"
	"time"

	"github.com/agentoven/botgateway/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production-scale Store implementation, backed by a
// pgx connection pool. Schema is assumed per spec.md §6 ("the persistent
// store... schema is assumed, not specified") — this implementation issues
// simple filter+order+limit queries and creates rows against a schema with
// one table per §3 entity, named after the Go struct in snake_case plural.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore dials the database and returns a ready Store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
func (p *PostgresStore) Close() error                   { p.pool.Close(); return nil }

func (p *PostgresStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name, created_at FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := p.pool.QueryRow(ctx, `SELECT id, name, created_at FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)`,
		tenant.ID, tenant.Name, tenant.CreatedAt)
	return err
}

const botColumns = `id, tenant_id, hostname, tags, primary_model, configured_models, ` +
	`complexity_routing_opt_in, fallback_chain_id, proxy_token_hash, direct_vendor, direct_credential_id`

func scanBot(row pgx.Row) (models.Bot, error) {
	var b models.Bot
	err := row.Scan(&b.ID, &b.TenantID, &b.Hostname, &b.Tags, &b.PrimaryModel, &b.ConfiguredModels,
		&b.ComplexityRoutingOptIn, &b.FallbackChainID, &b.ProxyTokenHash, &b.DirectVendor, &b.DirectCredentialID)
	return b, err
}

func (p *PostgresStore) ListBots(ctx context.Context, tenantID string) ([]models.Bot, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+botColumns+` FROM bots WHERE $1 = '' OR tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id)
	b, err := scanBot(row)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "bot", Key: id}
	}
	return &b, err
}

func (p *PostgresStore) GetBotByHostname(ctx context.Context, hostname string) (*models.Bot, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE hostname = $1`, hostname)
	b, err := scanBot(row)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "bot", Key: hostname}
	}
	return &b, err
}

// GetBotByProxyTokenHash supports direct-mode auth (§6, ZERO_TRUST_MODE=false).
func (p *PostgresStore) GetBotByProxyTokenHash(ctx context.Context, hash string) (*models.Bot, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE proxy_token_hash = $1`, hash)
	b, err := scanBot(row)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "bot", Key: hash}
	}
	return &b, err
}

func (p *PostgresStore) CreateBot(ctx context.Context, bot *models.Bot) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO bots (id, tenant_id, hostname, tags, primary_model, configured_models, `+
			`complexity_routing_opt_in, fallback_chain_id, proxy_token_hash, direct_vendor, direct_credential_id) `+
			`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		bot.ID, bot.TenantID, bot.Hostname, bot.Tags, bot.PrimaryModel, bot.ConfiguredModels,
		bot.ComplexityRoutingOptIn, bot.FallbackChainID, bot.ProxyTokenHash, bot.DirectVendor, bot.DirectCredentialID)
	return err
}

func (p *PostgresStore) DeleteBot(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM bots WHERE id = $1`, id)
	return err
}

func (p *PostgresStore) ListRoutingRules(ctx context.Context, botID string) ([]models.BotRoutingRule, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT rule_id, bot_id, priority, strategy, pattern, match_type, target, load_balance_strategy,
		        targets, primary_target, fallbacks, max_attempts, delay_ms
		 FROM bot_routing_rules WHERE bot_id = $1 ORDER BY priority ASC`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.BotRoutingRule
	for rows.Next() {
		var r models.BotRoutingRule
		if err := rows.Scan(&r.RuleID, &r.BotID, &r.Priority, &r.Strategy, &r.Pattern, &r.MatchType, &r.Target,
			&r.LoadBalance, &r.Targets, &r.Primary, &r.Fallbacks, &r.MaxAttempts, &r.DelayMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListCredentials(ctx context.Context, tenantID string) ([]models.ProviderCredential, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, tenant_id, vendor, api_type, base_url, secret_ciphertext, tags, metadata, vendor_priority, created_at, deleted_at
		 FROM provider_credentials WHERE deleted_at IS NULL AND ($1 = '' OR tenant_id = $1)`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCredentials(rows)
}

func (p *PostgresStore) ListCredentialsByVendor(ctx context.Context, vendor string) ([]models.ProviderCredential, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, tenant_id, vendor, api_type, base_url, secret_ciphertext, tags, metadata, vendor_priority, created_at, deleted_at
		 FROM provider_credentials WHERE deleted_at IS NULL AND vendor = $1`, vendor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCredentials(rows)
}

func scanCredentials(rows pgx.Rows) ([]models.ProviderCredential, error) {
	var out []models.ProviderCredential
	for rows.Next() {
		var c models.ProviderCredential
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Vendor, &c.ApiType, &c.BaseURL, &c.SecretCiphertext,
			&c.Tags, &c.Metadata, &c.VendorPriority, &c.CreatedAt, &c.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetCredential(ctx context.Context, id string) (*models.ProviderCredential, error) {
	var c models.ProviderCredential
	err := p.pool.QueryRow(ctx,
		`SELECT id, tenant_id, vendor, api_type, base_url, secret_ciphertext, tags, metadata, vendor_priority, created_at, deleted_at
		 FROM provider_credentials WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&c.ID, &c.TenantID, &c.Vendor, &c.ApiType, &c.BaseURL, &c.SecretCiphertext,
			&c.Tags, &c.Metadata, &c.VendorPriority, &c.CreatedAt, &c.DeletedAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "credential", Key: id}
	}
	return &c, err
}

func (p *PostgresStore) CreateCredential(ctx context.Context, cred *models.ProviderCredential) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO provider_credentials (id, tenant_id, vendor, api_type, base_url, secret_ciphertext, tags, metadata, vendor_priority, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		cred.ID, cred.TenantID, cred.Vendor, cred.ApiType, cred.BaseURL, cred.SecretCiphertext,
		cred.Tags, cred.Metadata, cred.VendorPriority, cred.CreatedAt)
	return err
}

func (p *PostgresStore) UpdateCredential(ctx context.Context, cred *models.ProviderCredential) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE provider_credentials SET base_url=$2, tags=$3, metadata=$4, vendor_priority=$5 WHERE id=$1 AND deleted_at IS NULL`,
		cred.ID, cred.BaseURL, cred.Tags, cred.Metadata, cred.VendorPriority)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "credential", Key: cred.ID}
	}
	return nil
}

func (p *PostgresStore) DeleteCredential(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE provider_credentials SET deleted_at=$2 WHERE id=$1 AND deleted_at IS NULL`, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "credential", Key: id}
	}
	return nil
}

func (p *PostgresStore) GetTokenByHash(ctx context.Context, hash string) (*models.ProxyToken, error) {
	var t models.ProxyToken
	err := p.pool.QueryRow(ctx,
		`SELECT bot_id, token_hash, vendor, credential_id, tags, expires_at, revoked_at, last_used_at, request_count
		 FROM proxy_tokens WHERE token_hash = $1`, hash).
		Scan(&t.BotID, &t.TokenHash, &t.Vendor, &t.CredentialID, &t.Tags, &t.ExpiresAt, &t.RevokedAt, &t.LastUsedAt, &t.RequestCount)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "token", Key: hash}
	}
	return &t, err
}

func (p *PostgresStore) GetTokenForBot(ctx context.Context, botID string) (*models.ProxyToken, error) {
	var t models.ProxyToken
	err := p.pool.QueryRow(ctx,
		`SELECT bot_id, token_hash, vendor, credential_id, tags, expires_at, revoked_at, last_used_at, request_count
		 FROM proxy_tokens WHERE bot_id = $1`, botID).
		Scan(&t.BotID, &t.TokenHash, &t.Vendor, &t.CredentialID, &t.Tags, &t.ExpiresAt, &t.RevokedAt, &t.LastUsedAt, &t.RequestCount)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "token", Key: botID}
	}
	return &t, err
}

func (p *PostgresStore) CreateToken(ctx context.Context, token *models.ProxyToken) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO proxy_tokens (bot_id, token_hash, vendor, credential_id, tags, expires_at, revoked_at, last_used_at, request_count)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (bot_id) DO UPDATE SET token_hash=$2, vendor=$3, credential_id=$4, tags=$5, expires_at=$6, revoked_at=$7, last_used_at=$8, request_count=$9`,
		token.BotID, token.TokenHash, token.Vendor, token.CredentialID, token.Tags, token.ExpiresAt, token.RevokedAt, token.LastUsedAt, token.RequestCount)
	return err
}

func (p *PostgresStore) DeleteTokenForBot(ctx context.Context, botID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM proxy_tokens WHERE bot_id = $1`, botID)
	return err
}

func (p *PostgresStore) RevokeTokenForBot(ctx context.Context, botID string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE proxy_tokens SET revoked_at = $2 WHERE bot_id = $1`, botID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "token", Key: botID}
	}
	return nil
}

func (p *PostgresStore) TouchToken(ctx context.Context, hash string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE proxy_tokens SET last_used_at = $2, request_count = request_count + 1 WHERE token_hash = $1`, hash, at)
	return err
}

func (p *PostgresStore) ListAvailability(ctx context.Context, modelName string) ([]models.ModelAvailability, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT credential_id, model_name, is_available, vendor_priority, health_score FROM model_availability WHERE model_name = $1`, modelName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ModelAvailability
	for rows.Next() {
		var a models.ModelAvailability
		if err := rows.Scan(&a.CredentialID, &a.ModelName, &a.IsAvailable, &a.VendorPriority, &a.HealthScore); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetAvailability(ctx context.Context, credentialID, modelName string) (*models.ModelAvailability, error) {
	var a models.ModelAvailability
	err := p.pool.QueryRow(ctx,
		`SELECT credential_id, model_name, is_available, vendor_priority, health_score FROM model_availability WHERE credential_id=$1 AND model_name=$2`,
		credentialID, modelName).Scan(&a.CredentialID, &a.ModelName, &a.IsAvailable, &a.VendorPriority, &a.HealthScore)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "availability", Key: credentialID + ":" + modelName}
	}
	return &a, err
}

func (p *PostgresStore) UpsertAvailability(ctx context.Context, avail *models.ModelAvailability) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO model_availability (credential_id, model_name, is_available, vendor_priority, health_score)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (credential_id, model_name) DO UPDATE SET is_available=$3, vendor_priority=$4, health_score=$5`,
		avail.CredentialID, avail.ModelName, avail.IsAvailable, avail.VendorPriority, avail.HealthScore)
	return err
}

func (p *PostgresStore) ListCapabilityTags(ctx context.Context) ([]models.CapabilityTag, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT tag_id, name, category, priority, required_protocol, required_models, required_skills,
		        requires_extended_thinking, requires_cache_control, requires_vision, is_active
		 FROM capability_tags WHERE is_active = true ORDER BY priority DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.CapabilityTag
	for rows.Next() {
		var t models.CapabilityTag
		if err := rows.Scan(&t.TagID, &t.Name, &t.Category, &t.Priority, &t.RequiredProtocol, &t.RequiredModels,
			&t.RequiredSkills, &t.RequiresExtendedThinking, &t.RequiresCacheControl, &t.RequiresVision, &t.IsActive); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListFallbackChains(ctx context.Context) ([]models.FallbackChain, error) {
	return nil, errNotImplementedOnPostgres("fallback_chains")
}

func (p *PostgresStore) GetFallbackChain(ctx context.Context, chainID string) (*models.FallbackChain, error) {
	return nil, errNotImplementedOnPostgres("fallback_chains")
}

func (p *PostgresStore) ListCostStrategies(ctx context.Context) ([]models.CostStrategy, error) {
	return nil, errNotImplementedOnPostgres("cost_strategies")
}

func (p *PostgresStore) GetCostStrategy(ctx context.Context, strategyID string) (*models.CostStrategy, error) {
	return nil, errNotImplementedOnPostgres("cost_strategies")
}

func (p *PostgresStore) ListModelPricing(ctx context.Context) ([]models.ModelPricing, error) {
	return nil, errNotImplementedOnPostgres("model_pricing")
}

func (p *PostgresStore) GetModelPricing(ctx context.Context, model string) (*models.ModelPricing, error) {
	return nil, errNotImplementedOnPostgres("model_pricing")
}

func (p *PostgresStore) GetComplexityConfig(ctx context.Context) (*models.ComplexityRoutingConfig, error) {
	return nil, errNotImplementedOnPostgres("complexity_config")
}

func (p *PostgresStore) CreateUsageLog(ctx context.Context, logRow *models.BotUsageLog) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO bot_usage_logs (id, bot_id, vendor, credential_id, status_code, endpoint, model, request_tokens, response_tokens, error_message, duration_ms, protocol_type, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		logRow.ID, logRow.BotID, logRow.Vendor, logRow.CredentialID, logRow.StatusCode, logRow.Endpoint, logRow.Model,
		logRow.RequestTokens, logRow.ResponseTokens, logRow.ErrorMessage, logRow.DurationMs, logRow.ProtocolType, logRow.CreatedAt)
	return err
}

func (p *PostgresStore) ListUsageLogs(ctx context.Context, botID string, filter ListFilter) ([]models.BotUsageLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, bot_id, vendor, credential_id, status_code, endpoint, model, request_tokens, response_tokens, error_message, duration_ms, protocol_type, created_at
		 FROM bot_usage_logs WHERE ($1 = '' OR bot_id = $1) ORDER BY created_at DESC LIMIT $2`, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.BotUsageLog
	for rows.Next() {
		var l models.BotUsageLog
		if err := rows.Scan(&l.ID, &l.BotID, &l.Vendor, &l.CredentialID, &l.StatusCode, &l.Endpoint, &l.Model,
			&l.RequestTokens, &l.ResponseTokens, &l.ErrorMessage, &l.DurationMs, &l.ProtocolType, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetQuota(ctx context.Context, botID string) (*models.BotQuota, error) {
	var q models.BotQuota
	err := p.pool.QueryRow(ctx,
		`SELECT bot_id, daily_cost_usd, monthly_cost_usd, last_reset_date, last_reset_month FROM bot_quotas WHERE bot_id = $1`, botID).
		Scan(&q.BotID, &q.DailyCostUSD, &q.MonthlyCostUSD, &q.LastResetDate, &q.LastResetMonth)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "quota", Key: botID}
	}
	return &q, err
}

func (p *PostgresStore) SaveQuota(ctx context.Context, quota *models.BotQuota) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO bot_quotas (bot_id, daily_cost_usd, monthly_cost_usd, last_reset_date, last_reset_month)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (bot_id) DO UPDATE SET daily_cost_usd=$2, monthly_cost_usd=$3, last_reset_date=$4, last_reset_month=$5`,
		quota.BotID, quota.DailyCostUSD, quota.MonthlyCostUSD, quota.LastResetDate, quota.LastResetMonth)
	return err
}

// errNotImplementedOnPostgres marks config-table reads the Postgres store has
// no tables for. internal/routingconfig treats the resulting ErrNotFound as a
// failed category load and publishes its built-in defaults instead.
func errNotImplementedOnPostgres(table string) error {
	return &ErrNotFound{Entity: table, Key: "postgres-backed store has no rows; seed via admin API or memory store"}
}
