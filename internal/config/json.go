package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/advbbs/advbbs/internal/flagx"
)

// jsonConfig is the JSON-overlay DTO. Duration fields are read as seconds;
// zero means "leave the default untouched".
type jsonConfig struct {
	Callsign         string `json:"callsign"`
	DatabaseDSN      string `json:"database_dsn"`
	MaxHops          int    `json:"max_hops"`
	SyncEnabled      *bool  `json:"sync_enabled"`
	MaxSyncedBoards  int    `json:"max_synced_boards"`
	HeartbeatSeconds int    `json:"heartbeat_interval_seconds"`
	RouteShareSeconds int   `json:"route_share_interval_seconds"`
	Peers            []PeerConfig `json:"peers"`
	BackupDir        string       `json:"backup_dir"`
}

// parseJson overlays values from the JSON file named by -c/-config, if any.
func parseJson(config *Config) {
	path := flagx.JsonConfigFlags()
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &jsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.Callsign != "" {
		config.Callsign = c.Callsign
	}
	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.MaxHops != 0 {
		config.MaxHops = c.MaxHops
	}
	if c.SyncEnabled != nil {
		config.SyncEnabled = *c.SyncEnabled
	}
	if c.MaxSyncedBoards != 0 {
		config.MaxSyncedBoards = c.MaxSyncedBoards
	}
	if c.HeartbeatSeconds != 0 {
		config.HeartbeatInterval = time.Duration(c.HeartbeatSeconds) * time.Second
	}
	if c.RouteShareSeconds != 0 {
		config.RouteShareInterval = time.Duration(c.RouteShareSeconds) * time.Second
	}
	if len(c.Peers) > 0 {
		config.Peers = c.Peers
	}
	if c.BackupDir != "" {
		config.BackupDir = c.BackupDir
	}
}
