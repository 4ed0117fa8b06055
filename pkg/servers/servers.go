// Package servers provides the list of preconfigured remote hosts that the
// gateway and worker address by index.
package servers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/andrej220/sshgate/pkg/config/configstore"
	"github.com/andrej220/sshgate/pkg/executor"
	"github.com/andrej220/sshgate/pkg/lg"
	"github.com/go-playground/validator/v10"
)

var (
	ErrNotConfigured = errors.New("server list is not configured")
	ErrUnknownServer = errors.New("unknown server index")
)

// Server is one entry of the server list. Cron is the command run when a
// request leaves the command empty.
type Server struct {
	Host     string `json:"host" yaml:"host" bson:"host" validate:"required"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty" bson:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Username string `json:"username" yaml:"username" bson:"username" validate:"required"`
	Password string `json:"password" yaml:"password" bson:"password" validate:"required"`
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty" bson:"cron,omitempty"`
}

// Target builds the execution target for command, defaulting to Cron.
func (s Server) Target(command string) executor.Target {
	if strings.TrimSpace(command) == "" {
		command = s.Cron
	}
	return executor.Target{
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		Command:  command,
	}
}

// Info is the public view of a Server.
type Info struct {
	Index    int    `json:"index"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Cron     string `json:"cron,omitempty"`
}

func (s Server) Info(index int) Info {
	port := s.Port
	if port == 0 {
		port = executor.DefaultPort
	}
	return Info{Index: index, Host: s.Host, Port: port, Username: s.Username, Cron: s.Cron}
}

// Document is the stored shape of a server list.
type Document struct {
	Servers []Server `json:"servers" yaml:"servers" bson:"servers"`
}

type Provider interface {
	List(ctx context.Context) ([]Server, error)
	Get(ctx context.Context, index int) (Server, error)
}

// Redact returns the public view of every server.
func Redact(list []Server) []Info {
	infos := make([]Info, len(list))
	for i, s := range list {
		infos[i] = s.Info(i)
	}
	return infos
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func check(list []Server) error {
	for i, s := range list {
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
	}
	return nil
}

func pick(list []Server, index int) (Server, error) {
	if index < 0 || index >= len(list) {
		return Server{}, fmt.Errorf("%w: %d", ErrUnknownServer, index)
	}
	return list[index], nil
}

// Static serves a fixed list.
type Static struct {
	servers []Server
}

func NewStatic(list []Server) (*Static, error) {
	if err := check(list); err != nil {
		return nil, err
	}
	return &Static{servers: list}, nil
}

func (p *Static) List(context.Context) ([]Server, error) {
	return append([]Server(nil), p.servers...), nil
}

func (p *Static) Get(_ context.Context, index int) (Server, error) {
	return pick(p.servers, index)
}

// ParseAccounts decodes a JSON array of servers, the format of the
// ACCOUNTS_JSON variable.
func ParseAccounts(raw string) ([]Server, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrNotConfigured
	}
	var list []Server
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("parse server list: %w", err)
	}
	return list, nil
}

// FromEnv builds a Static provider from the JSON in the variable name.
func FromEnv(name string) (*Static, error) {
	list, err := ParseAccounts(os.Getenv(name))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return NewStatic(list)
}

// StoreProvider serves the list kept in a config store and can reload it
// when the store reports a change.
type StoreProvider struct {
	store  configstore.ConfigStore
	logger lg.Logger

	mu      sync.RWMutex
	servers []Server
}

func NewStoreProvider(store configstore.ConfigStore, logger lg.Logger) (*StoreProvider, error) {
	if logger == nil {
		logger = lg.Discard
	}
	p := &StoreProvider{store: store, logger: logger}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload reads the store again. A document that fails validation leaves
// the current list in place.
func (p *StoreProvider) Reload() error {
	var doc Document
	if err := p.store.Load(&doc); err != nil {
		return fmt.Errorf("load server list: %w", err)
	}
	if err := check(doc.Servers); err != nil {
		return fmt.Errorf("load server list: %w", err)
	}
	p.mu.Lock()
	p.servers = doc.Servers
	p.mu.Unlock()
	p.logger.Info("server list loaded", lg.Int("servers", len(doc.Servers)))
	return nil
}

// Watch reloads the list on every change reported by w.
func (p *StoreProvider) Watch(ctx context.Context, w configstore.Watcher) error {
	return w.Watch(ctx, func() {
		if err := p.Reload(); err != nil {
			p.logger.Warn("server list reload failed", lg.Err(err))
		}
	})
}

func (p *StoreProvider) List(context.Context) ([]Server, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Server(nil), p.servers...), nil
}

func (p *StoreProvider) Get(_ context.Context, index int) (Server, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return pick(p.servers, index)
}
