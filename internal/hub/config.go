package hub

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"fleethub/internal/wire"
)

const (
	ConfigFilename = "fleethub-config.json"
	DBFilename     = "fleethub.db"

	configSaveDelay = 5 * time.Second
)

// RemoteServer is one registered agent's record in the config document.
type RemoteServer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Location   string `json:"location,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Tag        string `json:"tag,omitempty"`
	AgentToken string `json:"agent_token"`
	Version    string `json:"version,omitempty"`
	IP         string `json:"ip,omitempty"`
}

type SiteSettings struct {
	SiteName        string `json:"site_name"`
	SiteDescription string `json:"site_description"`
}

type LocalNodeConfig struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Provider string `json:"provider"`
	Tag      string `json:"tag"`
}

type ProbeSettings struct {
	PingTargets []wire.PingTargetConfig `json:"ping_targets"`
}

// AppConfig is the whole config document, rewritten atomically on every
// mutation.
type AppConfig struct {
	AdminPasswordHash string          `json:"admin_password_hash"`
	JWTSecret         string          `json:"jwt_secret"`
	Servers           []RemoteServer  `json:"servers"`
	SiteSettings      SiteSettings    `json:"site_settings"`
	LocalNode         LocalNodeConfig `json:"local_node"`
	ProbeSettings     ProbeSettings   `json:"probe_settings"`
}

func getExeDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

func GetConfigPath() string {
	if p := os.Getenv("FLEETHUB_CONFIG_PATH"); p != "" {
		return p
	}
	return filepath.Join(getExeDir(), ConfigFilename)
}

func GetDBPath() string {
	if p := os.Getenv("FLEETHUB_DB_PATH"); p != "" {
		return p
	}
	return filepath.Join(getExeDir(), DBFilename)
}

func GenerateRandomString(length int) string {
	const charset = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"
	result := make([]byte, length)
	for i := range result {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		result[i] = charset[n.Int64()]
	}
	return string(result)
}

func newConfigWithRandomPassword() (*AppConfig, string) {
	password := GenerateRandomString(16)
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	cfg := &AppConfig{
		AdminPasswordHash: string(hash),
		JWTSecret:         GenerateRandomString(64),
		Servers:           []RemoteServer{},
		SiteSettings: SiteSettings{
			SiteName:        "fleethub",
			SiteDescription: "Real-time fleet monitoring",
		},
		ProbeSettings: ProbeSettings{PingTargets: []wire.PingTargetConfig{}},
	}
	return cfg, password
}

// CredentialStore is the authoritative server_id -> agent_token mapping,
// persisted as the config document. Readers proceed concurrently; writers
// serialize through writeMu and rewrite the whole file atomically.
type CredentialStore struct {
	mu  sync.RWMutex // guards cfg in memory
	cfg *AppConfig

	writeMu sync.Mutex // serializes file rewrites; "the writer also owns the file"
	path    string

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// LoadCredentialStore reads the config document, repairing or generating it
// on first run, and returns the store plus the initial admin password when
// one was freshly generated (nil otherwise).
func LoadCredentialStore() (*CredentialStore, *string, error) {
	path := GetConfigPath()
	s := &CredentialStore{cfg: nil, path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, password := newConfigWithRandomPassword()
		s.cfg = cfg
		if err := s.writeNow(cfg); err != nil {
			return nil, nil, err
		}
		return s, &password, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		newCfg, password := newConfigWithRandomPassword()
		s.cfg = newCfg
		if err := s.writeNow(newCfg); err != nil {
			return nil, nil, err
		}
		return s, &password, nil
	}

	repaired := false
	if len(cfg.AdminPasswordHash) < 4 {
		password := GenerateRandomString(16)
		hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		cfg.AdminPasswordHash = string(hash)
		s.cfg = &cfg
		if err := s.writeNow(&cfg); err != nil {
			return nil, nil, err
		}
		return s, &password, nil
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = GenerateRandomString(64)
		repaired = true
	}
	if cfg.Servers == nil {
		cfg.Servers = []RemoteServer{}
		repaired = true
	}
	s.cfg = &cfg
	if repaired {
		if err := s.writeNow(&cfg); err != nil {
			return nil, nil, err
		}
	}
	return s, nil, nil
}

// writeNow serializes the document and rewrites it atomically: write to a
// temp file in the same directory, then rename over the target. The rename
// is what makes a concurrent reader (or a crash mid-write) never observe a
// partial file.
func (s *CredentialStore) writeNow(cfg *AppConfig) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".fleethub-config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename config into place: %w", err)
	}
	return nil
}

func (s *CredentialStore) snapshotLocked() *AppConfig {
	cp := *s.cfg
	cp.Servers = append([]RemoteServer(nil), s.cfg.Servers...)
	return &cp
}

// mutate runs fn under the write lock, then persists synchronously. A write
// failure is logged; the in-memory mutation stands regardless and the next
// mutation re-attempts the rewrite.
func (s *CredentialStore) mutate(fn func(cfg *AppConfig)) {
	s.mu.Lock()
	fn(s.cfg)
	cfg := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.writeNow(cfg); err != nil {
		log.Printf("[config] write failed: %v", err)
	}
}

// mutateDebounced is used for the ingestion hot path (version/IP drift on
// every sample): it coalesces rapid successive mutations into a single
// atomic rewrite roughly every configSaveDelay, rather than rewriting the
// document on every sample.
func (s *CredentialStore) mutateDebounced(fn func(cfg *AppConfig)) {
	s.mu.Lock()
	fn(s.cfg)
	s.mu.Unlock()

	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if s.debounceTimer != nil {
		return
	}
	s.debounceTimer = time.AfterFunc(configSaveDelay, func() {
		s.debounceMu.Lock()
		s.debounceTimer = nil
		s.debounceMu.Unlock()

		s.mu.RLock()
		cfg := s.snapshotLocked()
		s.mu.RUnlock()
		if err := s.writeNow(cfg); err != nil {
			log.Printf("[config] debounced write failed: %v", err)
		}
	})
}

// List returns a copy of every registered server.
func (s *CredentialStore) List() []RemoteServer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RemoteServer, len(s.cfg.Servers))
	copy(out, s.cfg.Servers)
	return out
}

// FindByID returns a copy of the matching server record, if any.
func (s *CredentialStore) FindByID(id string) (RemoteServer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sv := range s.cfg.Servers {
		if sv.ID == id {
			return sv, true
		}
	}
	return RemoteServer{}, false
}

// Insert adds a new server record, persisting immediately.
func (s *CredentialStore) Insert(record RemoteServer) {
	s.mutate(func(cfg *AppConfig) {
		cfg.Servers = append(cfg.Servers, record)
	})
}

// Register creates a server record with a fresh id and agent token and
// persists it. The returned record carries the token the agent must present
// at auth.
func (s *CredentialStore) Register(name, location, provider, tag string) RemoteServer {
	record := RemoteServer{
		ID:         uuid.New().String(),
		Name:       name,
		Location:   location,
		Provider:   provider,
		Tag:        tag,
		AgentToken: uuid.New().String(),
	}
	s.Insert(record)
	return record
}

// Delete removes a server record by id, persisting immediately.
func (s *CredentialStore) Delete(id string) {
	s.mutate(func(cfg *AppConfig) {
		out := cfg.Servers[:0]
		for _, sv := range cfg.Servers {
			if sv.ID != id {
				out = append(out, sv)
			}
		}
		cfg.Servers = out
	})
}

// UpdatePatch describes the fields an ingestion-triggered update may change.
type UpdatePatch struct {
	Version *string
	IP      *string
}

// Update applies patch to the server's record on the hot ingestion path,
// using the debounced writer. Returns false if no such server exists.
func (s *CredentialStore) Update(id string, patch UpdatePatch) bool {
	found := false
	s.mutateDebounced(func(cfg *AppConfig) {
		for i := range cfg.Servers {
			if cfg.Servers[i].ID == id {
				found = true
				if patch.Version != nil {
					cfg.Servers[i].Version = *patch.Version
				}
				if patch.IP != nil {
					cfg.Servers[i].IP = *patch.IP
				}
				break
			}
		}
	})
	return found
}

// Verify checks an agent token in constant time.
func (s *CredentialStore) Verify(id, token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sv := range s.cfg.Servers {
		if sv.ID == id {
			return subtle.ConstantTimeCompare([]byte(sv.AgentToken), []byte(token)) == 1
		}
	}
	return false
}

// ProbeTargets returns a copy of the configured ping targets.
func (s *CredentialStore) ProbeTargets() []wire.PingTargetConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.PingTargetConfig, len(s.cfg.ProbeSettings.PingTargets))
	copy(out, s.cfg.ProbeSettings.PingTargets)
	return out
}

// SiteSettingsSnapshot returns a copy of the configured site settings,
// attached to a dashboard subscriber's initial frame only.
func (s *CredentialStore) SiteSettingsSnapshot() SiteSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.SiteSettings
}

// AdminPasswordHash returns the current bcrypt hash, for the --check
// diagnostics.
func (s *CredentialStore) AdminPasswordHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.AdminPasswordHash
}

// JWTSecret returns the process-wide JWT signing secret, loaded once at
// startup and threaded through the app rather than held in a global.
func (s *CredentialStore) JWTSecret() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.JWTSecret
}

// Reload re-reads the config document from disk, replacing the in-memory
// copy wholesale. Used on SIGHUP so an out-of-process edit (or a
// --reset-password run against the same file) takes effect without a
// restart.
func (s *CredentialStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var cfg AppConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	s.mu.Lock()
	s.cfg = &cfg
	s.mu.Unlock()
	return nil
}

// ResetAdminPassword regenerates the admin password hash and persists
// immediately, for --reset-password.
func (s *CredentialStore) ResetAdminPassword() string {
	password := GenerateRandomString(16)
	s.SetAdminPassword(password)
	return password
}

// SetAdminPassword hashes and stores a caller-chosen admin password.
func (s *CredentialStore) SetAdminPassword(password string) {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	s.mutate(func(cfg *AppConfig) {
		cfg.AdminPasswordHash = string(hash)
	})
}
