package servers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/andrej220/sshgate/pkg/config/filestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accounts = `[
  {"host":"10.0.0.5","port":2222,"username":"alice","password":"s3cret","cron":"pm2 resurrect"},
  {"host":"10.0.0.6","username":"bob","password":"hunter2"}
]`

func TestParseAccounts(t *testing.T) {
	list, err := ParseAccounts(accounts)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2222, list[0].Port)
	assert.Equal(t, "pm2 resurrect", list[0].Cron)

	_, err = ParseAccounts("  ")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = ParseAccounts("{not json")
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TEST_ACCOUNTS_JSON", accounts)

	p, err := FromEnv("TEST_ACCOUNTS_JSON")
	require.NoError(t, err)

	s, err := p.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "bob", s.Username)

	_, err = p.Get(context.Background(), 2)
	assert.ErrorIs(t, err, ErrUnknownServer)
	_, err = p.Get(context.Background(), -1)
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestFromEnvUnset(t *testing.T) {
	t.Setenv("TEST_ACCOUNTS_JSON", "")

	_, err := FromEnv("TEST_ACCOUNTS_JSON")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewStaticRejectsIncompleteServer(t *testing.T) {
	_, err := NewStatic([]Server{{Host: "h", Username: "u"}})
	assert.ErrorContains(t, err, "server 0")
}

func TestServerTargetDefaultsToCron(t *testing.T) {
	s := Server{Host: "h", Username: "u", Password: "p", Cron: "uptime"}

	assert.Equal(t, "uptime", s.Target("").Command)
	assert.Equal(t, "uptime", s.Target("   ").Command)
	assert.Equal(t, "whoami", s.Target("whoami").Command)
	assert.Equal(t, "p", s.Target("").Password)
}

func TestRedactDropsPasswords(t *testing.T) {
	list, err := ParseAccounts(accounts)
	require.NoError(t, err)

	infos := Redact(list)

	require.Len(t, infos, 2)
	assert.Equal(t, Info{Index: 0, Host: "10.0.0.5", Port: 2222, Username: "alice", Cron: "pm2 resurrect"}, infos[0])
	assert.Equal(t, 22, infos[1].Port)
}

type failingStore struct{}

func (failingStore) Load(any) error { return errors.New("disk on fire") }
func (failingStore) Save(any) error { return nil }

func TestStoreProviderLoadFailure(t *testing.T) {
	_, err := NewStoreProvider(failingStore{}, nil)
	assert.ErrorContains(t, err, "disk on fire")
}

func TestStoreProviderReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	store := filestore.New(path)
	require.NoError(t, store.Save(Document{Servers: []Server{{Host: "a", Username: "u", Password: "p"}}}))

	p, err := NewStoreProvider(store, nil)
	require.NoError(t, err)
	list, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Watch(ctx, store))

	require.NoError(t, store.Save(Document{Servers: []Server{
		{Host: "a", Username: "u", Password: "p"},
		{Host: "b", Username: "u", Password: "p"},
	}}))

	assert.Eventually(t, func() bool {
		list, _ := p.List(context.Background())
		return len(list) == 2
	}, 5*time.Second, 20*time.Millisecond)

	s, err := p.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "b", s.Host)
}

func TestStoreProviderKeepsListOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	store := filestore.New(path)
	require.NoError(t, store.Save(Document{Servers: []Server{{Host: "a", Username: "u", Password: "p"}}}))
	p, err := NewStoreProvider(store, nil)
	require.NoError(t, err)

	require.NoError(t, store.Save(Document{Servers: []Server{{Host: "a"}}}))
	assert.Error(t, p.Reload())

	list, err := p.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
