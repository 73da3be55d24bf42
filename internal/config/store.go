// Package config implements the agent's identity/tunables surface: a stable
// UUID-based identity generated once and persisted, plus repaired tunables,
// all backed by an INI file with a GBK fallback decode for files written by
// older, non-UTF-8 tooling. Grounded on original_source/config_parser.py,
// which does exactly this against Python's stdlib configparser.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
	"gopkg.in/ini.v1"
)

const (
	sectionSettings = "Settings"
	sectionNetwork  = "Network"

	keyUUID     = "uuid"
	keyName     = "name"
	keyInterval = "interval"
	keyMaxSize  = "max_size"
	keyWSLimit  = "ws_limit"
	keyIP       = "ip"

	defaultName = "DD"
)

// Store owns the on-disk INI config file. Identity and Settings re-read the
// file on every call; nothing is cached in memory.
type Store struct {
	mu             sync.Mutex
	path           string
	freshlyWritten bool
}

// Open loads path, creating it with defaults if missing. The returned error
// is non-nil only for unexpected I/O failures; a missing file is not an
// error, it triggers generation (matching config_parser.py's init_config,
// minus the "exit(0) and wait for the operator to edit it" step, which
// would be inappropriate for a library — callers decide whether to bail out
// on first-run).
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.writeDefaults(); err != nil {
			return nil, fmt.Errorf("config: generate default file: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	return s, nil
}

// Generated reports whether Open just created path because it didn't exist.
// The process supervisor uses this to print the "please edit config.ini and
// restart" message spec.md §6 calls for.
func (s *Store) Generated() bool {
	return s.freshlyWritten
}

func (s *Store) writeDefaults() error {
	cfg := ini.Empty()

	settings, err := cfg.NewSection(sectionSettings)
	if err != nil {
		return err
	}
	settings.Comment = "UUID is optional; leave blank to generate one on first run."
	mustNewKey(settings, keyUUID, "")
	mustNewKey(settings, keyName, defaultName)
	mustNewKey(settings, keyInterval, strconv.Itoa(DefaultIntervalMS))
	mustNewKey(settings, keyMaxSize, strconv.Itoa(DefaultMaxQueue))
	mustNewKey(settings, keyWSLimit, strconv.Itoa(DefaultRoomCap))

	network, err := cfg.NewSection(sectionNetwork)
	if err != nil {
		return err
	}
	mustNewKey(network, keyIP, string(DefaultIPFamily))

	if err := cfg.SaveTo(s.path); err != nil {
		return err
	}
	s.freshlyWritten = true
	return nil
}

func mustNewKey(sec *ini.Section, name, value string) {
	if _, err := sec.NewKey(name, value); err != nil {
		panic(fmt.Sprintf("config: NewKey(%s): %v", name, err))
	}
}

// load reads the file, decoding as UTF-8 and falling back to GBK on invalid
// byte sequences, matching config_parser.py's try/except UnicodeDecodeError.
func (s *Store) load() (*ini.File, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", s.path, err)
	}
	if !utf8.Valid(raw) {
		decoded, err := decodeGBK(raw)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s as GBK: %w", s.path, err)
		}
		raw = decoded
	}
	return ini.Load(raw)
}

func decodeGBK(raw []byte) ([]byte, error) {
	reader := transform.NewReader(bytes.NewReader(raw), simplifiedchinese.GBK.NewDecoder())
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// save persists cfg to disk.
func (s *Store) save(cfg *ini.File) error {
	return cfg.SaveTo(s.path)
}

// Identity returns the agent's stable identity, generating and persisting a
// UUID on first read if one is not already present (spec.md §4.6).
func (s *Store) Identity() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.load()
	if err != nil {
		return Identity{}, err
	}
	settings := cfg.Section(sectionSettings)

	id := settings.Key(keyUUID).String()
	if id == "" {
		id = generateUUID()
		settings.Key(keyUUID).SetValue(id)
		if err := s.save(cfg); err != nil {
			return Identity{}, fmt.Errorf("config: persist generated uuid: %w", err)
		}
	}

	name := settings.Key(keyName).String()
	if name == "" {
		name = defaultName
		settings.Key(keyName).SetValue(name)
		if err := s.save(cfg); err != nil {
			return Identity{}, fmt.Errorf("config: persist default name: %w", err)
		}
	}

	return Identity{
		UUID:     id,
		Name:     name,
		Runtime:  runtimeDescriptor(),
		Platform: platformDescriptor(),
		Version:  ProtocolVersion,
	}, nil
}

// Settings returns the agent's tunables, repairing and persisting any
// invalid or missing values (spec.md §3 Config).
func (s *Store) Settings() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.load()
	if err != nil {
		return Settings{}, err
	}
	settingsSec := cfg.Section(sectionSettings)
	networkSec := cfg.Section(sectionNetwork)

	raw := Settings{
		IntervalMS: parseIntOr(settingsSec.Key(keyInterval).String(), -1),
		MaxQueue:   parseIntOr(settingsSec.Key(keyMaxSize).String(), -1),
		RoomCap:    parseIntOr(settingsSec.Key(keyWSLimit).String(), -1),
		IPFamily:   IPFamily(networkSec.Key(keyIP).String()),
	}
	repaired := raw.repaired()

	if repaired != raw {
		settingsSec.Key(keyInterval).SetValue(strconv.Itoa(repaired.IntervalMS))
		settingsSec.Key(keyMaxSize).SetValue(strconv.Itoa(repaired.MaxQueue))
		settingsSec.Key(keyWSLimit).SetValue(strconv.Itoa(repaired.RoomCap))
		networkSec.Key(keyIP).SetValue(string(repaired.IPFamily))
		if err := s.save(cfg); err != nil {
			return Settings{}, fmt.Errorf("config: persist repaired settings: %w", err)
		}
	}

	return repaired, nil
}

func parseIntOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
