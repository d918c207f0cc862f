package config

import (
	"context"
	"fmt"
)

// SecretsConfig 描述从参数存储拉取密钥的位置。
type SecretsConfig struct {
	ParamPrefix string
}

// Enabled reports whether a parameter prefix was configured.
func (c SecretsConfig) Enabled() bool {
	return c.ParamPrefix != ""
}

// SecretGetter is satisfied by paramstore.Client.
type SecretGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ApplySecrets 仅为环境变量中缺失的密钥查询参数存储。
func (c *Config) ApplySecrets(ctx context.Context, getter SecretGetter) error {
	if getter == nil || !c.Secrets.Enabled() {
		return nil
	}

	if c.AI.APIKey == "" && c.AI.AccessKey == "" && c.AI.APIKeyParamKey != "" {
		value, err := getter.GetParameter(ctx, c.Secrets.ParamPrefix+"/"+c.AI.APIKeyParamKey)
		if err != nil {
			return fmt.Errorf("config: load ark api key: %w", err)
		}
		c.AI.APIKey = value
	}

	if c.Auth.SupabaseURL != "" && c.Auth.ServiceRoleKey == "" && c.Auth.KeyParamKey != "" {
		value, err := getter.GetParameter(ctx, c.Secrets.ParamPrefix+"/"+c.Auth.KeyParamKey)
		if err != nil {
			return fmt.Errorf("config: load supabase service role key: %w", err)
		}
		c.Auth.ServiceRoleKey = value
	}

	return nil
}
