package config

import (
	"fmt"

	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"gopkg.in/ini.v1"
)

// ImportINI reads a legacy INI settings file on top of base and returns the
// merged configuration with the names of the keys that were imported.
// Keys missing from the file keep their value from base.
func ImportINI(path string, base *Config) (*Config, []string, error) {
	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load legacy config file: %w", err)
	}

	cfg := *base
	var imported []string
	for _, k := range Keys() {
		if k.Legacy == nil {
			continue
		}
		section := file.Section(k.Legacy.Section)
		if !section.HasKey(k.Legacy.Key) {
			continue
		}
		key := section.Key(k.Legacy.Key)

		switch k.Kind {
		case KindInt:
			k.set(&cfg, key.MustInt(k.Get(&cfg).(int)))
		case KindBool:
			k.set(&cfg, key.MustBool(k.Get(&cfg).(bool)))
		case KindFloat:
			k.set(&cfg, key.MustFloat64(k.Get(&cfg).(float64)))
		default:
			k.set(&cfg, key.MustString(k.Get(&cfg).(string)))
		}
		imported = append(imported, k.Name)
	}

	// Legacy files may set several method flags. Keep the first in
	// duplication, virtual camera, region grab order.
	if methods := cfg.SelectedMethods(); len(methods) > 1 {
		logger.WithComponent("config").Warn().
			Str("kept", methods[0].String()).
			Int("selected", len(methods)).
			Msg("Legacy config selects several capture methods")
		cfg.SelectMethod(methods[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, imported, err
	}
	return &cfg, imported, nil
}
