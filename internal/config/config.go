// Package config builds the Configuration a process needs to start:
// the ranked peer address list, this process's own rank, the sector
// index bound, the storage directory, and the two HMAC keys. It can be
// built from a TOML file or from command-line flags, with flags taking
// precedence over file values.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// PeerAddress is one entry in the ordered, 1-based ranked process list.
type PeerAddress struct {
	Host string
	Port int
}

func (p PeerAddress) String() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// DefaultMagic is the magic number used when a deployment does not
// configure its own.
var DefaultMagic = [4]byte{0x41, 0x42, 0x44, 0x31}

// Configuration is the process-start configuration for one replica.
type Configuration struct {
	TCPLocations []PeerAddress
	SelfRank     int // 1-based index into TCPLocations
	MaxSector    uint64
	StorageDir   string
	Magic         [4]byte
	HMACSystemKey []byte // 64 bytes
	HMACClientKey []byte // 32 bytes

	// AdminAddr, if non-empty, binds the health/metrics HTTP side channel.
	AdminAddr string
}

// Validate rejects configurations that can never run correctly, notably
// MaxSector == 0, which is treated as a startup error rather than
// undefined behavior.
func (c Configuration) Validate() error {
	if c.MaxSector == 0 {
		return fmt.Errorf("config: max_sector must be > 0")
	}
	if c.SelfRank < 1 || c.SelfRank > len(c.TCPLocations) {
		return fmt.Errorf("config: self_rank %d out of range for %d process(es)", c.SelfRank, len(c.TCPLocations))
	}
	if len(c.HMACSystemKey) != 64 {
		return fmt.Errorf("config: hmac_system_key must be 64 bytes, got %d", len(c.HMACSystemKey))
	}
	if len(c.HMACClientKey) != 32 {
		return fmt.Errorf("config: hmac_client_key must be 32 bytes, got %d", len(c.HMACClientKey))
	}
	if c.StorageDir == "" {
		return fmt.Errorf("config: storage_dir must be set")
	}
	return nil
}

// tomlDoc mirrors the on-disk TOML layout: one [[process]] table per
// peer, a [hmac] table holding *paths* to key files, never inline key
// material.
type tomlDoc struct {
	MaxSector  uint64 `toml:"max_sector"`
	StorageDir string `toml:"storage_dir"`
	SelfRank   int    `toml:"self_rank"`
	AdminAddr  string `toml:"admin_addr"`
	Magic      string `toml:"magic"` // 4 ASCII bytes; defaults to DefaultMagic if empty

	Process []struct {
		Rank int    `toml:"rank"`
		Host string `toml:"host"`
		Port int    `toml:"port"`
	} `toml:"process"`

	HMAC struct {
		SystemKeyPath string `toml:"system_key_path"`
		ClientKeyPath string `toml:"client_key_path"`
	} `toml:"hmac"`
}

// Load parses a TOML configuration file at path into a Configuration.
func Load(path string) (Configuration, error) {
	var doc tomlDoc
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return Configuration{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	locations := make([]PeerAddress, len(doc.Process))
	for _, p := range doc.Process {
		if p.Rank < 1 || p.Rank > len(doc.Process) {
			return Configuration{}, fmt.Errorf("config: process rank %d out of range", p.Rank)
		}
		locations[p.Rank-1] = PeerAddress{Host: p.Host, Port: p.Port}
	}

	systemKey, err := os.ReadFile(doc.HMAC.SystemKeyPath)
	if err != nil {
		return Configuration{}, fmt.Errorf("config: read system key: %w", err)
	}
	clientKey, err := os.ReadFile(doc.HMAC.ClientKeyPath)
	if err != nil {
		return Configuration{}, fmt.Errorf("config: read client key: %w", err)
	}

	magic := DefaultMagic
	if doc.Magic != "" {
		if len(doc.Magic) != 4 {
			return Configuration{}, fmt.Errorf("config: magic must be exactly 4 bytes, got %d", len(doc.Magic))
		}
		copy(magic[:], doc.Magic)
	}

	cfg := Configuration{
		TCPLocations:  locations,
		SelfRank:      doc.SelfRank,
		MaxSector:     doc.MaxSector,
		StorageDir:    doc.StorageDir,
		Magic:         magic,
		HMACSystemKey: systemKey,
		HMACClientKey: clientKey,
		AdminAddr:     doc.AdminAddr,
	}
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// FromFlags parses args (excluding the program name) into a
// Configuration, optionally layering flag overrides on top of a
// -config-loaded file.
func FromFlags(args []string) (Configuration, error) {
	fs := flag.NewFlagSet("kvregd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a TOML configuration file")
	selfRank := fs.Int("id", 0, "this process's 1-based rank (overrides config file)")
	addr := fs.String("addr", "", "this process's own host:port, checked against the configured address for self_rank")
	peers := fs.String("peers", "", "comma-separated host:port list, ordered by rank (overrides config file)")
	maxSector := fs.Uint64("max-sector", 0, "sector index upper bound (overrides config file)")
	storageDir := fs.String("storage-dir", "", "exclusive storage directory (overrides config file)")
	systemKeyPath := fs.String("system-key", "", "path to the 64-byte HMAC system key (overrides config file)")
	clientKeyPath := fs.String("client-key", "", "path to the 32-byte HMAC client key (overrides config file)")
	adminAddr := fs.String("admin-addr", "", "health/metrics HTTP listen address")

	if err := fs.Parse(args); err != nil {
		return Configuration{}, err
	}

	cfg := Configuration{Magic: DefaultMagic}
	if *configPath != "" {
		loaded, err := Load(*configPath)
		if err != nil {
			return Configuration{}, err
		}
		cfg = loaded
	}

	if *selfRank != 0 {
		cfg.SelfRank = *selfRank
	}
	if *peers != "" {
		locations, err := parsePeerList(*peers)
		if err != nil {
			return Configuration{}, err
		}
		cfg.TCPLocations = locations
	}
	if *maxSector != 0 {
		cfg.MaxSector = *maxSector
	}
	if *storageDir != "" {
		cfg.StorageDir = *storageDir
	}
	if *systemKeyPath != "" {
		key, err := os.ReadFile(*systemKeyPath)
		if err != nil {
			return Configuration{}, fmt.Errorf("config: read system key: %w", err)
		}
		cfg.HMACSystemKey = key
	}
	if *clientKeyPath != "" {
		key, err := os.ReadFile(*clientKeyPath)
		if err != nil {
			return Configuration{}, fmt.Errorf("config: read client key: %w", err)
		}
		cfg.HMACClientKey = key
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}

	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}

	if *addr != "" {
		host, portStr, ok := strings.Cut(*addr, ":")
		if !ok {
			return Configuration{}, fmt.Errorf("config: invalid -addr %q, expected host:port", *addr)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Configuration{}, fmt.Errorf("config: invalid port in -addr %q: %w", *addr, err)
		}
		want := cfg.TCPLocations[cfg.SelfRank-1]
		if host != want.Host || port != want.Port {
			return Configuration{}, fmt.Errorf("config: -addr %q does not match self_rank %d's configured address %s", *addr, cfg.SelfRank, want)
		}
	}

	return cfg, nil
}

func parsePeerList(raw string) ([]PeerAddress, error) {
	entries := strings.Split(raw, ",")
	locations := make([]PeerAddress, 0, len(entries))
	for _, entry := range entries {
		host, portStr, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok {
			return nil, fmt.Errorf("config: invalid peer %q, expected host:port", entry)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("config: invalid port in peer %q: %w", entry, err)
		}
		locations = append(locations, PeerAddress{Host: host, Port: port})
	}
	return locations, nil
}
