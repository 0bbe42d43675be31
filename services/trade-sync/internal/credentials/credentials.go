// Package credentials загружает учётки бирж один раз при старте.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
)

// ErrDuplicate — одна и та же пара (user, exchange) встречается дважды.
var ErrDuplicate = errors.New("credentials: duplicate user/exchange")

// Source — откуда берутся учётки.
type Source interface {
	Load(ctx context.Context) ([]exchange.Credential, error)
}

// Config — секция credentials.
type Config struct {
	// File — YAML со списком accounts; ${VAR} раскрываются из окружения.
	File     string                `mapstructure:"file"`
	Accounts []exchange.Credential `mapstructure:"accounts"`
}

// FromConfig собирает источник из файла и/или inline-списка.
func FromConfig(cfg Config) Source {
	var m Multi
	if cfg.File != "" {
		m = append(m, FileSource{Path: cfg.File})
	}
	if len(cfg.Accounts) > 0 {
		m = append(m, StaticSource(cfg.Accounts))
	}
	return m
}

// -----------------------------------------------------------------------------
// File
// -----------------------------------------------------------------------------

// FileSource читает YAML:
//
//	accounts:
//	  - user: alice
//	    exchange: binance
//	    api_key: ${ALICE_BINANCE_KEY}
//	    api_secret: ${ALICE_BINANCE_SECRET}
type FileSource struct {
	Path string
}

// fileAccount повторяет exchange.Credential, но с yaml-тегами для секретов:
// у Credential они намеренно закрыты от сериализации.
type fileAccount struct {
	User       string `yaml:"user"`
	Exchange   string `yaml:"exchange"`
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"`
}

type fileDoc struct {
	Accounts []fileAccount `yaml:"accounts"`
}

func (s FileSource) Load(context.Context) ([]exchange.Credential, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("credentials: read %s: %w", s.Path, err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &doc); err != nil {
		return nil, fmt.Errorf("credentials: parse %s: %w", s.Path, err)
	}
	out := make([]exchange.Credential, 0, len(doc.Accounts))
	for _, a := range doc.Accounts {
		out = append(out, exchange.Credential{
			User:       a.User,
			Exchange:   a.Exchange,
			APIKey:     a.APIKey,
			APISecret:  a.APISecret,
			Passphrase: a.Passphrase,
		})
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Static / Multi
// -----------------------------------------------------------------------------

// StaticSource — учётки из основного конфига.
type StaticSource []exchange.Credential

func (s StaticSource) Load(context.Context) ([]exchange.Credential, error) {
	return append([]exchange.Credential(nil), s...), nil
}

// Multi объединяет источники по порядку.
type Multi []Source

func (m Multi) Load(ctx context.Context) ([]exchange.Credential, error) {
	var out []exchange.Credential
	for _, src := range m {
		creds, err := src.Load(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, creds...)
	}
	return out, nil
}

// LoadAll загружает, нормализует и валидирует учётки. Любая ошибка
// здесь фатальна для старта.
func LoadAll(ctx context.Context, src Source) ([]exchange.Credential, error) {
	creds, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(creds))
	out := make([]exchange.Credential, 0, len(creds))
	var errs []error
	for _, c := range creds {
		c = c.Normalize()
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[c.Key()]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicate, c.Key()))
			continue
		}
		seen[c.Key()] = struct{}{}
		out = append(out, c)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
