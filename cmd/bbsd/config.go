package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/kd9lq/packetbbs/internal/callsign"
	"github.com/kd9lq/packetbbs/internal/transport/agw"
	"github.com/kd9lq/packetbbs/internal/transport/term"
)

// daemonConfig is the resolved runtime configuration for bbsd.
type daemonConfig struct {
	StationCall string
	Banner      string
	DBFile      string

	AGWEnabled bool
	AGW        agw.Config

	TermEnabled bool
	Term        term.Config

	MetricsListenAddr string
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Banner:      "PacketBBS",
		DBFile:      "bbs.db",
		AGWEnabled:  true,
		AGW:         agw.DefaultConfig(),
		TermEnabled: true,
		Term:        term.DefaultConfig(),
	}
}

// bbsd config.toml key mapping to daemon runtime settings.
type fileConfig struct {
	StationCall string `toml:"station_call"`
	Banner      string `toml:"banner"`
	DBFile      string `toml:"db_file"`

	AGWEnabled bool   `toml:"agw_enabled"`
	AGWAddr    string `toml:"agw_addr"`

	SSHEnabled    bool   `toml:"ssh_enabled"`
	SSHListenAddr string `toml:"ssh_listen_addr"`
	SSHHostKey    string `toml:"ssh_host_key"`
	SSHPort       int    `toml:"ssh_port"`

	MetricsListenAddr string `toml:"metrics_listen_addr"`
}

// bbsd loader for TOML config with default overlay.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load bbsd config: %w", err)
	}

	if meta.IsDefined("station_call") {
		cfg.StationCall = strings.TrimSpace(raw.StationCall)
	}
	if meta.IsDefined("banner") {
		cfg.Banner = raw.Banner
	}
	if meta.IsDefined("db_file") {
		cfg.DBFile = strings.TrimSpace(raw.DBFile)
	}
	if meta.IsDefined("agw_enabled") {
		cfg.AGWEnabled = raw.AGWEnabled
	}
	if meta.IsDefined("agw_addr") {
		cfg.AGW.Addr = strings.TrimSpace(raw.AGWAddr)
	}
	if meta.IsDefined("ssh_enabled") {
		cfg.TermEnabled = raw.SSHEnabled
	}
	if meta.IsDefined("ssh_listen_addr") {
		cfg.Term.ListenAddr = strings.TrimSpace(raw.SSHListenAddr)
	}
	if meta.IsDefined("ssh_host_key") {
		cfg.Term.HostKeyPath = strings.TrimSpace(raw.SSHHostKey)
	}
	if meta.IsDefined("ssh_port") {
		cfg.Term.Port = raw.SSHPort
	}
	if meta.IsDefined("metrics_listen_addr") {
		cfg.MetricsListenAddr = strings.TrimSpace(raw.MetricsListenAddr)
	}

	if !callsign.IsValid(cfg.StationCall) {
		return daemonConfig{}, fmt.Errorf("load bbsd config: invalid station callsign %q", cfg.StationCall)
	}
	cfg.StationCall = callsign.Normalize(cfg.StationCall)
	cfg.AGW.StationCall = cfg.StationCall
	cfg.Term.StationCall = cfg.StationCall

	if !cfg.AGWEnabled && !cfg.TermEnabled {
		return daemonConfig{}, fmt.Errorf("load bbsd config: at least one transport must be enabled")
	}

	return cfg, nil
}
