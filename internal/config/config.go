// Package config loads the YAML document describing connections,
// collections and seed rows, and builds the registry and adapters it
// declares.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hanpama/populate/internal/adapter"
	"github.com/hanpama/populate/internal/collection"
	"github.com/hanpama/populate/internal/record"
)

// Config is the root of a populate configuration file.
type Config struct {
	Log         Log                     `yaml:"log"`
	Server      Server                  `yaml:"server"`
	Connections []Connection            `yaml:"connections" validate:"required,min=1,unique=Name,dive"`
	Collections []Collection            `yaml:"collections" validate:"required,min=1,unique=Identity,dive"`
	Seed        map[string][]record.Row `yaml:"seed"`
}

type Log struct {
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error disabled"`
}

// Server holds the listen addresses of the serve subcommands.
type Server struct {
	Addr        string `yaml:"addr"`
	AdapterAddr string `yaml:"adapter_addr"`
}

// Connection declares one back-end.
type Connection struct {
	Name    string `yaml:"name" validate:"required"`
	Adapter string `yaml:"adapter" validate:"required,oneof=memory sqlite badger remote"`
	Join    string `yaml:"join" validate:"omitempty,oneof=none flat deep"`

	// DSN is the sqlite data source.
	DSN string `yaml:"dsn" validate:"required_if=Adapter sqlite"`
	// Dir is the badger directory; empty keeps data in memory.
	Dir string `yaml:"dir"`

	// Remote connections dial one of Endpoints. Remote is the connection
	// name on the serving side and defaults to Name.
	Endpoints []string      `yaml:"endpoints" validate:"required_if=Adapter remote,dive,required"`
	Remote    string        `yaml:"remote"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Collection declares one collection.
type Collection struct {
	Identity   string      `yaml:"identity" validate:"required"`
	Table      string      `yaml:"table"`
	Connection string      `yaml:"connection" validate:"required"`
	Attributes []Attribute `yaml:"attributes" validate:"required,min=1,dive"`
}

// Attribute declares one attribute or association.
type Attribute struct {
	Name        string `yaml:"name" validate:"required"`
	Column      string `yaml:"column"`
	Type        string `yaml:"type" validate:"omitempty,oneof=string integer float boolean json"`
	Primary     bool   `yaml:"primary"`
	Model       string `yaml:"model" validate:"excluded_with=Collection"`
	Collection  string `yaml:"collection"`
	Via         string `yaml:"via"`
	Through     string `yaml:"through"`
	ThroughFrom string `yaml:"through_from"`
	ThroughTo   string `yaml:"through_to"`
	Dominant    bool   `yaml:"dominant"`
}

var validate = validator.New()

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes and validates a YAML document. Unknown keys are errors.
func Parse(b []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var c Config
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks field constraints and cross references.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	conns := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		conns[conn.Name] = true
	}
	for _, coll := range c.Collections {
		if !conns[coll.Connection] {
			return fmt.Errorf("config: collection %s: unknown connection %q", coll.Identity, coll.Connection)
		}
	}
	return nil
}

// Definitions converts the declared collections.
func (c *Config) Definitions() []collection.Definition {
	defs := make([]collection.Definition, len(c.Collections))
	for i, coll := range c.Collections {
		attrs := make([]*collection.Attribute, len(coll.Attributes))
		for j, a := range coll.Attributes {
			attrs[j] = &collection.Attribute{
				Name:        a.Name,
				Column:      a.Column,
				Type:        a.Type,
				Primary:     a.Primary,
				Model:       a.Model,
				Collection:  a.Collection,
				Via:         a.Via,
				Through:     a.Through,
				ThroughFrom: a.ThroughFrom,
				ThroughTo:   a.ThroughTo,
				Dominant:    a.Dominant,
			}
		}
		defs[i] = collection.Definition{
			Identity:   coll.Identity,
			Table:      coll.Table,
			Connection: coll.Connection,
			Attributes: attrs,
		}
	}
	return defs
}

// JoinCapability returns the declared join capability and whether one was
// declared at all.
func (c Connection) JoinCapability() (adapter.JoinCapability, bool) {
	if c.Join == "" {
		return adapter.NoJoin, false
	}
	jc, _ := adapter.ParseJoinCapability(c.Join)
	return jc, true
}

// RemoteName is the connection name on the serving side.
func (c Connection) RemoteName() string {
	if c.Remote != "" {
		return c.Remote
	}
	return c.Name
}
