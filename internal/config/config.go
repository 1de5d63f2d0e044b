// Package config loads the daemon's read-only settings from settings.ini.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Socks4Settings mirrors spec.md §6's socks4.* options.
type Socks4Settings struct {
	Enable        bool
	EnableConnect bool
	EnableBind    bool
	UserID        string
	Address       string
	Port          uint16
}

// Socks5Settings mirrors spec.md §6's socks5.* options.
type Socks5Settings struct {
	Enable        bool
	EnableConnect bool
	EnableBind    bool
	EnableUDP     bool
	Username      string
	Password      string
	Address       string
	Port          uint16
}

// Settings is the process-wide read-only configuration snapshot, loaded
// once at startup and passed down by value.
type Settings struct {
	Socks4 Socks4Settings
	Socks5 Socks5Settings
}

func defaults() Settings {
	return Settings{
		Socks4: Socks4Settings{
			Enable:        true,
			EnableConnect: true,
			EnableBind:    true,
			UserID:        "",
			Address:       "127.0.0.1",
			Port:          1080,
		},
		Socks5: Socks5Settings{
			Enable:        true,
			EnableConnect: true,
			EnableBind:    true,
			EnableUDP:     true,
			Username:      "",
			Password:      "",
			Address:       "127.0.0.1",
			Port:          1081,
		},
	}
}

// Load reads path (an INI file in socks4/socks5 section form) and
// overlays it onto the documented defaults. A missing file is not an
// error: the defaults alone are a valid configuration.
func Load(path string) (Settings, error) {
	cfg := defaults()

	f, err := ini.LooseLoad(path)
	if err != nil {
		return cfg, fmt.Errorf("config: load %s: %w", path, err)
	}

	if sec := f.Section("socks4"); sec != nil {
		cfg.Socks4.Enable = sec.Key("enable").MustBool(cfg.Socks4.Enable)
		cfg.Socks4.EnableConnect = sec.Key("enable_connect").MustBool(cfg.Socks4.EnableConnect)
		cfg.Socks4.EnableBind = sec.Key("enable_bind").MustBool(cfg.Socks4.EnableBind)
		cfg.Socks4.UserID = sec.Key("user_id").MustString(cfg.Socks4.UserID)
		cfg.Socks4.Address = sec.Key("address").MustString(cfg.Socks4.Address)
		cfg.Socks4.Port = uint16(sec.Key("port").MustUint(uint(cfg.Socks4.Port)))
	}

	if sec := f.Section("socks5"); sec != nil {
		cfg.Socks5.Enable = sec.Key("enable").MustBool(cfg.Socks5.Enable)
		cfg.Socks5.EnableConnect = sec.Key("enable_connect").MustBool(cfg.Socks5.EnableConnect)
		cfg.Socks5.EnableBind = sec.Key("enable_bind").MustBool(cfg.Socks5.EnableBind)
		cfg.Socks5.EnableUDP = sec.Key("enable_udp").MustBool(cfg.Socks5.EnableUDP)
		cfg.Socks5.Username = sec.Key("username").MustString(cfg.Socks5.Username)
		cfg.Socks5.Password = sec.Key("password").MustString(cfg.Socks5.Password)
		cfg.Socks5.Address = sec.Key("address").MustString(cfg.Socks5.Address)
		cfg.Socks5.Port = uint16(sec.Key("port").MustUint(uint(cfg.Socks5.Port)))
	}

	return cfg, nil
}
