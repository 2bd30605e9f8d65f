package seeder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Config struct {
	DSN                string
	Accounts           int
	PatientsPerAccount int
	ReportsPerPatient  int
	Reset              bool
	Seed               int64
}

func DefaultConfig() Config {
	return Config{
		Accounts:           3,
		PatientsPerAccount: 2,
		ReportsPerPatient:  8,
		Reset:              false,
		Seed:               time.Now().UTC().UnixNano(),
	}
}

func LoadConfigFromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := DefaultConfig()
	if err := applyString(lookup, "HEALTHUP_DEMO_DSN", &cfg.DSN); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "HEALTHUP_DEMO_ACCOUNTS", &cfg.Accounts); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "HEALTHUP_DEMO_PATIENTS_PER_ACCOUNT", &cfg.PatientsPerAccount); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "HEALTHUP_DEMO_REPORTS_PER_PATIENT", &cfg.ReportsPerPatient); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "HEALTHUP_DEMO_RESET", &cfg.Reset); err != nil {
		return Config{}, err
	}
	if err := applyInt64(lookup, "HEALTHUP_DEMO_SEED", &cfg.Seed); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.DSN) == "" {
		return Config{}, fmt.Errorf("HEALTHUP_DEMO_DSN is required")
	}
	if cfg.Accounts <= 0 {
		return Config{}, fmt.Errorf("HEALTHUP_DEMO_ACCOUNTS must be > 0")
	}
	if cfg.PatientsPerAccount <= 0 {
		return Config{}, fmt.Errorf("HEALTHUP_DEMO_PATIENTS_PER_ACCOUNT must be > 0")
	}
	if cfg.ReportsPerPatient <= 0 {
		return Config{}, fmt.Errorf("HEALTHUP_DEMO_REPORTS_PER_PATIENT must be > 0")
	}

	cfg.DSN = strings.TrimSpace(cfg.DSN)
	return cfg, nil
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}
