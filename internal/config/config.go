// Package config implements the layered key-value configuration store.
//
// Precedence, highest first:
//
//	explicit --config path
//	environment (ORCBOT_<UPPER_SNAKE_KEY>)
//	./orcbot.conf
//	~/.orcbot/orcbot.conf (operator home)
//	<dataHome>/orcbot.conf
//	built-in defaults
//
// Sensitive keys are mirrored into <dataHome>/.env for subprocess
// consumption. Reload is a file-modified check driven by the scheduler
// tick; a change emits the config:changed event.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/fredabila/orcbot-sub005/pkg/protocol"
)

const secretMask = "***"

// secretKeys are mirrored into the dotenv file and masked in snapshots.
var secretKeys = map[string]bool{
	"anthropicApiKey":  true,
	"openaiApiKey":     true,
	"openrouterApiKey": true,
	"telegramToken":    true,
	"whatsappToken":    true,
	"discordToken":     true,
	"slackBotToken":    true,
	"gatewayToken":     true,
	"braveApiKey":      true,
	"emailPassword":    true,
}

// ChangeFunc is invoked after a successful reload that changed any value.
type ChangeFunc func(changed []string)

// Store is the merged configuration. All reads go through Get*; writes go
// through Set, which persists to the highest-precedence writable layer.
type Store struct {
	mu         sync.RWMutex
	values     map[string]string
	layers     []layer // low → high precedence, excluding env
	writePath  string  // where Set persists
	envFile    string  // dotenv mirror for secrets
	onChange   []ChangeFunc
	lastLoaded time.Time
}

type layer struct {
	path  string
	mtime time.Time
}

// Defaults returns the built-in configuration.
func Defaults() map[string]string {
	return map[string]string{
		"provider":                           "anthropic",
		"model":                              "claude-sonnet-4-5-20250929",
		"maxTokens":                          "8192",
		"temperature":                        "0.7",
		"maxStepsPerAction":                  "30",
		"maxMessagesPerAction":               "10",
		"maxActionRunMinutes":                "30",
		"maxStaleActionMinutes":              "720",
		"queueRetention":                     "200",
		"memoryConsolidationThreshold":       "60",
		"memoryConsolidationBatch":           "30",
		"messageDedupWindowSeconds":          "120",
		"heartbeatIntervalMinutes":           "15",
		"heartbeatCron":                      "",
		"autonomyEnabled":                    "false",
		"autonomyBacklogLimit":               "3",
		"parallelActions":                    "1",
		"commandTimeoutMs":                   "120000",
		"agentName":                          "orcbot",
		"skillSurfaceMode":                   "auto",
		"terminationReviewModel":             "",
		"agenticUserEnabled":                 "true",
		"agenticConfidenceThreshold":         "75",
		"agenticResponseDelaySeconds":        "90",
		"agenticActivityCooldownMinutes":     "5",
		"agenticInterventionCooldownMinutes": "10",
		"agenticMaxInterventionsPerAction":   "3",
		"telemetryEnabled":                   "false",
		"telemetryEndpoint":                  "localhost:4317",
		"telemetryProtocol":                  "grpc",
		"telemetryServiceName":               "orcbot",
		"lightpandaEnabled":                  "false",
		"lightpandaPort":                     "9222",
	}
}

// Load builds a Store from the layered files. customPath may be empty.
func Load(customPath, workDirFile, operatorFile, dataHomeFile, envFile string) (*Store, error) {
	s := &Store{
		values:  Defaults(),
		envFile: envFile,
	}

	// Low → high precedence. The env overlay and custom path are applied
	// after the files so they win.
	for _, p := range []string{dataHomeFile, operatorFile, workDirFile} {
		if p != "" {
			s.layers = append(s.layers, layer{path: p})
		}
	}
	if customPath != "" {
		if _, err := os.Stat(customPath); err != nil {
			return nil, fmt.Errorf("config file %s: %w", customPath, err)
		}
		s.layers = append(s.layers, layer{path: customPath})
	}

	// Set persists to the highest-precedence file layer, defaulting to the
	// data home file so setup works without any pre-existing config.
	s.writePath = dataHomeFile
	if customPath != "" {
		s.writePath = customPath
	}

	if err := s.merge(); err != nil {
		return nil, err
	}
	s.mirrorSecrets()
	return s, nil
}

// merge re-reads all file layers plus the environment into values.
func (s *Store) merge() error {
	merged := Defaults()
	for i := range s.layers {
		l := &s.layers[i]
		fi, err := os.Stat(l.path)
		if err != nil {
			if os.IsNotExist(err) {
				l.mtime = time.Time{}
				continue
			}
			return fmt.Errorf("stat config layer %s: %w", l.path, err)
		}
		l.mtime = fi.ModTime()
		kv, err := godotenv.Read(l.path)
		if err != nil {
			return fmt.Errorf("parse config layer %s: %w", l.path, err)
		}
		for k, v := range kv {
			merged[k] = v
		}
	}
	for k := range merged {
		if v := os.Getenv(envName(k)); v != "" {
			merged[k] = v
		}
	}
	// Secrets may arrive via env without a default entry.
	for k := range secretKeys {
		if v := os.Getenv(envName(k)); v != "" {
			merged[k] = v
		}
	}

	s.mu.Lock()
	s.values = merged
	s.lastLoaded = time.Now()
	s.mu.Unlock()
	return nil
}

// envName maps a camelCase key to its ORCBOT_UPPER_SNAKE environment name.
func envName(key string) string {
	var b strings.Builder
	b.WriteString("ORCBOT_")
	for i, r := range key {
		if r >= 'A' && r <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// Get returns the raw value for key ("" when unset).
func (s *Store) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// GetInt returns the integer value for key, or def when unset/invalid.
func (s *Store) GetInt(key string, def int) int {
	if v := s.Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetFloat returns the float value for key, or def when unset/invalid.
func (s *Store) GetFloat(key string, def float64) float64 {
	if v := s.Get(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// GetBool returns the boolean value for key, or def when unset.
func (s *Store) GetBool(key string, def bool) bool {
	switch strings.ToLower(s.Get(key)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}

// GetDuration interprets the value of key as minutes/seconds/ms depending
// on the key suffix convention, falling back to def.
func (s *Store) GetDuration(key string, def time.Duration) time.Duration {
	v := s.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if d, derr := time.ParseDuration(v); derr == nil {
			return d
		}
		return def
	}
	switch {
	case strings.HasSuffix(key, "Ms"):
		return time.Duration(n) * time.Millisecond
	case strings.HasSuffix(key, "Seconds"):
		return time.Duration(n) * time.Second
	case strings.HasSuffix(key, "Minutes"):
		return time.Duration(n) * time.Minute
	}
	return time.Duration(n) * time.Second
}

// Set updates key in memory and persists it to the writable layer. The
// dotenv mirror is refreshed when the key is sensitive.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	old := s.values[key]
	s.values[key] = value
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return err
	}
	if secretKeys[key] {
		s.mirrorSecrets()
	}
	if old != value {
		s.notify([]string{key})
	}
	return nil
}

// persist writes all non-default values to the writable layer file.
func (s *Store) persist() error {
	s.mu.RLock()
	defaults := Defaults()
	lines := make([]string, 0, len(s.values))
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := s.values[k]
		if defaults[k] == v {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s=%s", k, quoteIfNeeded(v)))
	}
	path := s.writePath
	s.mu.RUnlock()

	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data := []byte(strings.Join(lines, "\n") + "\n")
	tmp, err := os.CreateTemp(filepath.Dir(path), "conf-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func quoteIfNeeded(v string) string {
	if strings.ContainsAny(v, " #\"'\n") {
		return strconv.Quote(v)
	}
	return v
}

// mirrorSecrets writes sensitive keys to the dotenv file (0600).
func (s *Store) mirrorSecrets() {
	if s.envFile == "" {
		return
	}
	s.mu.RLock()
	env := make(map[string]string)
	for k := range secretKeys {
		if v := s.values[k]; v != "" {
			env[envName(k)] = v
		}
	}
	s.mu.RUnlock()
	if len(env) == 0 {
		return
	}
	if err := godotenv.Write(env, s.envFile); err != nil {
		slog.Warn("config: dotenv mirror failed", "path", s.envFile, "error", err)
		return
	}
	os.Chmod(s.envFile, 0o600)
}

// OnChange registers a callback for reload/set changes.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Publisher is the slice of the event bus the store publishes to.
type Publisher interface {
	Publish(name string, payload interface{})
}

// BindEvents emits config:changed on the bus whenever a reload or Set
// changes any value.
func (s *Store) BindEvents(events Publisher) {
	s.OnChange(func(changed []string) {
		events.Publish(protocol.EventConfigChanged, map[string]interface{}{"keys": changed})
	})
}

func (s *Store) notify(changed []string) {
	s.mu.RLock()
	fns := make([]ChangeFunc, len(s.onChange))
	copy(fns, s.onChange)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(changed)
	}
}

// ReloadIfChanged re-merges the layers when any file mtime moved.
// Returns the list of keys whose values changed.
func (s *Store) ReloadIfChanged() ([]string, error) {
	s.mu.RLock()
	dirty := false
	for _, l := range s.layers {
		fi, err := os.Stat(l.path)
		switch {
		case err == nil && !fi.ModTime().Equal(l.mtime):
			dirty = true
		case os.IsNotExist(err) && !l.mtime.IsZero():
			dirty = true
		}
	}
	before := make(map[string]string, len(s.values))
	for k, v := range s.values {
		before[k] = v
	}
	s.mu.RUnlock()

	if !dirty {
		return nil, nil
	}
	if err := s.merge(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var changed []string
	for k, v := range s.values {
		if before[k] != v {
			changed = append(changed, k)
		}
	}
	for k := range before {
		if _, ok := s.values[k]; !ok {
			changed = append(changed, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(changed)
	if len(changed) > 0 {
		s.notify(changed)
	}
	return changed, nil
}

// MaskedSnapshot returns a copy with secret values replaced by "***".
func (s *Store) MaskedSnapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		if secretKeys[k] && v != "" {
			out[k] = secretMask
		} else {
			out[k] = v
		}
	}
	return out
}

// IsSecret reports whether key holds sensitive material.
func IsSecret(key string) bool { return secretKeys[key] }

// IsSecret on the store satisfies the gateway config interface.
func (s *Store) IsSecret(key string) bool { return secretKeys[key] }
