package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
)

const accountsYAML = `
accounts:
  - user: alice
    exchange: Binance
    api_key: ${TS_TEST_KEY}
    api_secret: plain-secret
  - user: bob
    exchange: kucoin
    api_key: k
    api_secret: s
    passphrase: p
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFileSource_ExpandsEnv(t *testing.T) {
	t.Setenv("TS_TEST_KEY", "from-env")
	creds, err := FileSource{Path: writeFile(t, accountsYAML)}.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, "alice", creds[0].User)
	assert.Equal(t, "from-env", creds[0].APIKey)
	assert.Equal(t, "plain-secret", creds[0].APISecret)
	assert.Equal(t, "p", creds[1].Passphrase)
}

func TestFileSource_Errors(t *testing.T) {
	_, err := FileSource{Path: filepath.Join(t.TempDir(), "missing.yaml")}.Load(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = FileSource{Path: writeFile(t, "accounts: [")}.Load(context.Background())
	assert.Error(t, err)
}

func TestLoadAll_NormalizesAndValidates(t *testing.T) {
	t.Setenv("TS_TEST_KEY", "k")
	creds, err := LoadAll(context.Background(), FromConfig(Config{File: writeFile(t, accountsYAML)}))
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, exchange.Binance, creds[0].Exchange)
}

func TestLoadAll_RejectsDuplicatesAcrossSources(t *testing.T) {
	t.Setenv("TS_TEST_KEY", "k")
	src := FromConfig(Config{
		File: writeFile(t, accountsYAML),
		Accounts: []exchange.Credential{
			{User: "alice", Exchange: "binance", APIKey: "k2", APISecret: "s2"},
		},
	})
	_, err := LoadAll(context.Background(), src)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestLoadAll_InvalidCredential(t *testing.T) {
	src := StaticSource{
		{User: "carol", Exchange: "kucoin", APIKey: "k", APISecret: "s"},
		{User: "", Exchange: "binance", APIKey: "k", APISecret: "s"},
	}
	_, err := LoadAll(context.Background(), src)
	require.ErrorIs(t, err, exchange.ErrInvalidCredential)
	assert.Contains(t, err.Error(), "passphrase")
	assert.Contains(t, err.Error(), "user is required")
}

func TestMulti_PropagatesError(t *testing.T) {
	boom := errors.New("vault sealed")
	src := Multi{StaticSource{{User: "a"}}, failing{boom}}
	_, err := src.Load(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestFromConfig_Empty(t *testing.T) {
	creds, err := LoadAll(context.Background(), FromConfig(Config{}))
	require.NoError(t, err)
	assert.Empty(t, creds)
}

type failing struct{ err error }

func (f failing) Load(context.Context) ([]exchange.Credential, error) { return nil, f.err }
