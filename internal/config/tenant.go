package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// GenericResourceType is the pseudo resource type whose settings apply to
// every type that has no section of its own.
const GenericResourceType = "Resource"

// Interaction names used in tenant interaction lists.
const (
	InteractionCreate  = "create"
	InteractionRead    = "read"
	InteractionVRead   = "vread"
	InteractionUpdate  = "update"
	InteractionPatch   = "patch"
	InteractionDelete  = "delete"
	InteractionHistory = "history"
	InteractionSearch  = "search"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// TenantConfig is the per-tenant FHIR behaviour: which interactions are
// enabled per resource type and which profiles resources must, may or must
// not declare.
//
// Viper folds map keys to lower case, so resource type lookups are
// case-insensitive and profile URLs (which contain dots) are only ever used
// as list values, never as keys.
type TenantConfig struct {
	ID                string                  `mapstructure:"-"`
	Resources         ResourcesConfig         `mapstructure:"resources"`
	ProfileValidation ProfileValidationConfig `mapstructure:"profileValidation"`
}

type ResourcesConfig struct {
	// Open allows resource types without their own section. Nil means true.
	Open *bool `mapstructure:"open"`
	// UpdateCreateEnabled lets an update of a missing id create it. Nil means true.
	UpdateCreateEnabled *bool                         `mapstructure:"updateCreateEnabled"`
	Types               map[string]ResourceTypeConfig `mapstructure:"types"`
}

type ResourceTypeConfig struct {
	// Interactions is nil when unconfigured; an empty list disables all.
	Interactions *[]string    `mapstructure:"interactions"`
	Profiles     ProfileRules `mapstructure:"profiles"`
}

type ProfileRules struct {
	AtLeastOne      []string         `mapstructure:"atLeastOne"`
	NotAllowed      []string         `mapstructure:"notAllowed"`
	AllowUnknown    *bool            `mapstructure:"allowUnknown"`
	DefaultVersions []DefaultVersion `mapstructure:"defaultVersions"`
}

type DefaultVersion struct {
	URL     string `mapstructure:"url"`
	Version string `mapstructure:"version"`
}

type ProfileValidationConfig struct {
	// AllowUnknown tolerates profiles missing from the registry. Nil means true.
	AllowUnknown    *bool            `mapstructure:"allowUnknown"`
	DefaultVersions []DefaultVersion `mapstructure:"defaultVersions"`
}

// DefaultTenantConfig returns an open configuration with every interaction
// enabled and no profile requirements.
func DefaultTenantConfig(id string) *TenantConfig {
	return &TenantConfig{ID: id}
}

// IsOpen reports whether resource types without a section of their own are
// served.
func (t *TenantConfig) IsOpen() bool {
	return t.Resources.Open == nil || *t.Resources.Open
}

// UpdateCreateEnabled reports whether update and conditional update may
// create a resource that does not exist yet.
func (t *TenantConfig) UpdateCreateEnabled() bool {
	return t.Resources.UpdateCreateEnabled == nil || *t.Resources.UpdateCreateEnabled
}

// ResourceType returns the section for a resource type, if declared.
func (t *TenantConfig) ResourceType(resourceType string) (ResourceTypeConfig, bool) {
	if t.Resources.Types == nil {
		return ResourceTypeConfig{}, false
	}
	if rc, ok := t.Resources.Types[resourceType]; ok {
		return rc, true
	}
	rc, ok := t.Resources.Types[strings.ToLower(resourceType)]
	return rc, ok
}

// ProfileRulesFor returns the profile rules of a resource type, falling back
// to the generic Resource section.
func (t *TenantConfig) ProfileRulesFor(resourceType string) ProfileRules {
	if rc, ok := t.ResourceType(resourceType); ok {
		return rc.Profiles
	}
	if rc, ok := t.ResourceType(GenericResourceType); ok {
		return rc.Profiles
	}
	return ProfileRules{}
}

// AllowUnknownProfiles resolves the allow-unknown toggle for a resource
// type: the type's own setting wins over the tenant-wide one.
func (t *TenantConfig) AllowUnknownProfiles(resourceType string) bool {
	if rules := t.ProfileRulesFor(resourceType); rules.AllowUnknown != nil {
		return *rules.AllowUnknown
	}
	return t.ProfileValidation.AllowUnknown == nil || *t.ProfileValidation.AllowUnknown
}

// DefaultProfileVersion returns the implicit version to assume for an
// unversioned profile assertion, if one is configured.
func (t *TenantConfig) DefaultProfileVersion(resourceType, url string) (string, bool) {
	for _, dv := range t.ProfileRulesFor(resourceType).DefaultVersions {
		if dv.URL == url && dv.Version != "" {
			return dv.Version, true
		}
	}
	for _, dv := range t.ProfileValidation.DefaultVersions {
		if dv.URL == url && dv.Version != "" {
			return dv.Version, true
		}
	}
	return "", false
}

// TenantStore loads tenant configuration files on first use and caches them.
// A tenant without a file of its own gets default.yaml when present, and
// the open default otherwise.
type TenantStore struct {
	dir string

	mu      sync.RWMutex
	tenants map[string]*TenantConfig
}

func NewTenantStore(dir string) *TenantStore {
	return &TenantStore{dir: dir, tenants: make(map[string]*TenantConfig)}
}

// Put registers a tenant configuration directly, bypassing the file system.
func (s *TenantStore) Put(cfg *TenantConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[cfg.ID] = cfg
}

// Get returns the configuration for a tenant.
func (s *TenantStore) Get(tenantID string) (*TenantConfig, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return nil, fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}

	s.mu.RLock()
	cfg, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	cfg, err := s.load(tenantID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tenants[tenantID]; ok {
		return existing, nil
	}
	s.tenants[tenantID] = cfg
	return cfg, nil
}

func (s *TenantStore) load(tenantID string) (*TenantConfig, error) {
	if s.dir == "" {
		return DefaultTenantConfig(tenantID), nil
	}
	for _, name := range []string{tenantID, "default"} {
		path := filepath.Join(s.dir, name+".yaml")
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat tenant config %s: %w", path, err)
		}
		cfg, err := LoadTenantFile(path)
		if err != nil {
			return nil, err
		}
		cfg.ID = tenantID
		return cfg, nil
	}
	return DefaultTenantConfig(tenantID), nil
}

// LoadTenantFile reads one tenant configuration file.
func LoadTenantFile(path string) (*TenantConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read tenant config %s: %w", path, err)
	}
	cfg := &TenantConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal tenant config %s: %w", path, err)
	}
	return cfg, nil
}
