package policy

import (
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Seed is the YAML document used to preload a MemoryStore.
type Seed struct {
	Passports []PassportSeed `yaml:"passports" validate:"dive"`
	Sessions  []SessionSeed  `yaml:"sessions" validate:"dive"`
}

// PassportSeed is one passport entry of a Seed.
type PassportSeed struct {
	Owner           string   `yaml:"owner" validate:"required,eth_addr"`
	Agent           string   `yaml:"agent" validate:"required,eth_addr"`
	ExpiresAt       int64    `yaml:"expires_at" validate:"required,gt=0"`
	PerCallCap      string   `yaml:"per_call_cap" validate:"required,number"`
	DailyCap        string   `yaml:"daily_cap" validate:"required,number"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min" validate:"gte=0"`
	Revoked         bool     `yaml:"revoked"`
	Scopes          []string `yaml:"scopes"`
	Services        []string `yaml:"services"`
}

// SessionSeed is one session entry of a Seed.
type SessionSeed struct {
	Owner     string   `yaml:"owner" validate:"required,eth_addr"`
	Agent     string   `yaml:"agent" validate:"required,eth_addr"`
	Session   string   `yaml:"session" validate:"required,eth_addr"`
	ExpiresAt int64    `yaml:"expires_at" validate:"required,gt=0"`
	Revoked   bool     `yaml:"revoked"`
	Scopes    []string `yaml:"scopes"`
}

// LoadSeedFile reads a seed file into the store.
func (m *MemoryStore) LoadSeedFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open policy seed: %w", err)
	}
	defer func() { _ = f.Close() }()
	return m.LoadSeed(f)
}

// LoadSeed decodes and validates a YAML seed, then adds every entry to the store.
func (m *MemoryStore) LoadSeed(r io.Reader) error {
	var seed Seed
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode policy seed: %w", err)
	}
	if err := validator.New().Struct(seed); err != nil {
		return fmt.Errorf("invalid policy seed: %w", err)
	}

	for _, ps := range seed.Passports {
		perCall, _ := new(big.Int).SetString(ps.PerCallCap, 10)
		daily, _ := new(big.Int).SetString(ps.DailyCap, 10)
		m.PutPassport(&Passport{
			Owner:           ps.Owner,
			Agent:           ps.Agent,
			ExpiresAt:       ps.ExpiresAt,
			PerCallCap:      perCall,
			DailyCap:        daily,
			RateLimitPerMin: ps.RateLimitPerMin,
			Revoked:         ps.Revoked,
			Scopes:          NameSet(ps.Scopes),
			Services:        NameSet(ps.Services),
		})
	}
	for _, ss := range seed.Sessions {
		m.PutSession(&Session{
			Owner:     ss.Owner,
			Agent:     ss.Agent,
			Session:   ss.Session,
			ExpiresAt: ss.ExpiresAt,
			Revoked:   ss.Revoked,
			Scopes:    NameSet(ss.Scopes),
		})
	}
	return nil
}
