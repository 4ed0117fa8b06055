package config

import (
	"errors"
	"fmt"

	"github.com/andrej220/sshgate/pkg/config/configstore"
	"github.com/andrej220/sshgate/pkg/config/filestore"
	"github.com/andrej220/sshgate/pkg/config/mongostore"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var ErrInvalidStoreType = errors.New("invalid store type")

// Config combines all store capabilities.
type Config interface {
	configstore.ConfigStore
	configstore.Watcher
}

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"dbName" json:"dbName"`
	CollName string `yaml:"collName" json:"collName"`
	ID       string `yaml:"id" json:"id"` // Document ID
}

// StoreConfig selects one backend in a YAML service config.
type StoreConfig struct {
	Type  string       `yaml:"type" json:"type"` // "file" or "mongo"
	File  *FileConfig  `yaml:"file,omitempty" json:"file,omitempty"`
	Mongo *MongoConfig `yaml:"mongo,omitempty" json:"mongo,omitempty"`
}

func NewStore(storeType StoreType, cfg any) (Config, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}

// Open builds the store described by sc.
func Open(sc StoreConfig) (Config, error) {
	switch sc.Type {
	case "", "file":
		if sc.File == nil || sc.File.Path == "" {
			return nil, fmt.Errorf("file store: path is required")
		}
		return NewStore(FileStore, sc.File)
	case "mongo":
		if sc.Mongo == nil || sc.Mongo.URI == "" {
			return nil, fmt.Errorf("mongo store: uri is required")
		}
		return NewStore(MongoStore, sc.Mongo)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidStoreType, sc.Type)
}
