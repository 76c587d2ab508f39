// Package config loads the gateway's required INI configuration file:
// [FCM_SECTION], [SERVER_SECTION], [BAL_SECTION]. Any missing key is a
// fatal startup error.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"

	gwerrors "github.com/alxayo/fcm-gateway/internal/errors"
)

// FCM holds FCM CCS connection settings.
type FCM struct {
	ServerID    string
	ServerKey   string
	HostAddress string
	PortNo      int
}

// Server holds the BAL-facing TCP listener settings.
type Server struct {
	HostAddress string
	PortNo      int
}

// BAL holds the single configured BAL session (multiple BALs deferred per spec).
type BAL struct {
	SessionID string
}

// Config is the fully-loaded, validated configuration.
type Config struct {
	FCM    FCM
	Server Server
	BAL    BAL

	// StorePath is not a spec-mandated INI key; it is a CLI-flag override
	// (see cmd/gateway/flags.go) for where the durable message store lives.
	StorePath string
}

// Load reads and validates path, returning a ConfigError on any missing
// section or key.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, gwerrors.NewConfigError("config.load", err)
	}

	cfg := &Config{}

	fcmSec, err := f.GetSection("FCM_SECTION")
	if err != nil {
		return nil, gwerrors.NewConfigError("config.load", fmt.Errorf("missing [FCM_SECTION]: %w", err))
	}
	if cfg.FCM.ServerID, err = requiredString(fcmSec, "server_id"); err != nil {
		return nil, err
	}
	if cfg.FCM.ServerKey, err = requiredString(fcmSec, "server_key"); err != nil {
		return nil, err
	}
	if cfg.FCM.HostAddress, err = requiredString(fcmSec, "host_address"); err != nil {
		return nil, err
	}
	if cfg.FCM.PortNo, err = requiredInt(fcmSec, "port_no"); err != nil {
		return nil, err
	}

	serverSec, err := f.GetSection("SERVER_SECTION")
	if err != nil {
		return nil, gwerrors.NewConfigError("config.load", fmt.Errorf("missing [SERVER_SECTION]: %w", err))
	}
	if cfg.Server.HostAddress, err = requiredString(serverSec, "host_address"); err != nil {
		return nil, err
	}
	if cfg.Server.PortNo, err = requiredInt(serverSec, "port_no"); err != nil {
		return nil, err
	}

	balSec, err := f.GetSection("BAL_SECTION")
	if err != nil {
		return nil, gwerrors.NewConfigError("config.load", fmt.Errorf("missing [BAL_SECTION]: %w", err))
	}
	if cfg.BAL.SessionID, err = requiredString(balSec, "session_id"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func requiredString(sec *ini.Section, key string) (string, error) {
	k, err := sec.GetKey(key)
	if err != nil {
		return "", gwerrors.NewConfigError("config.load", fmt.Errorf("missing key %q in section %q", key, sec.Name()))
	}
	v := k.String()
	if v == "" {
		return "", gwerrors.NewConfigError("config.load", fmt.Errorf("empty value for key %q in section %q", key, sec.Name()))
	}
	return v, nil
}

func requiredInt(sec *ini.Section, key string) (int, error) {
	k, err := sec.GetKey(key)
	if err != nil {
		return 0, gwerrors.NewConfigError("config.load", fmt.Errorf("missing key %q in section %q", key, sec.Name()))
	}
	v, err := k.Int()
	if err != nil {
		return 0, gwerrors.NewConfigError("config.load", fmt.Errorf("key %q in section %q is not an integer: %w", key, sec.Name(), err))
	}
	return v, nil
}
