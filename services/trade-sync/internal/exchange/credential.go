package exchange

import (
	"fmt"
	"strings"
)

// Credential — ключи одного пользователя на одной бирже.
// Секреты не сериализуются в YAML/JSON (печать конфига, API).
type Credential struct {
	User       string `mapstructure:"user" json:"user"`
	Exchange   string `mapstructure:"exchange" json:"exchange"`
	APIKey     string `mapstructure:"api_key" yaml:"-" json:"-"`
	APISecret  string `mapstructure:"api_secret" yaml:"-" json:"-"`
	Passphrase string `mapstructure:"passphrase" yaml:"-" json:"-"`
}

// Normalize приводит идентификатор биржи к нижнему регистру.
func (c Credential) Normalize() Credential {
	c.Exchange = strings.ToLower(strings.TrimSpace(c.Exchange))
	c.User = strings.TrimSpace(c.User)
	return c
}

// Key — уникальный ключ пары (user, exchange).
func (c Credential) Key() string { return c.User + "/" + c.Exchange }

// Validate проверяет обязательные поля.
func (c Credential) Validate() error {
	var errs []string
	if c.User == "" {
		errs = append(errs, "user is required")
	}
	if c.Exchange == "" {
		errs = append(errs, "exchange is required")
	}
	if c.APIKey == "" {
		errs = append(errs, "api_key is required")
	}
	if c.APISecret == "" {
		errs = append(errs, "api_secret is required")
	}
	if c.Exchange == KuCoin && c.Passphrase == "" {
		errs = append(errs, "passphrase is required for kucoin")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %s: %s", ErrInvalidCredential, c.Key(), strings.Join(errs, "; "))
	}
	return nil
}

// String не печатает секреты.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{user=%s exchange=%s key=%s}", c.User, c.Exchange, mask(c.APIKey))
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
