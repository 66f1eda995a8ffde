package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Default returns the demo setup: drift controllers controller_1..3 keeping
// state/store_1..3 at "default state", and the playground controller whose
// main operation has a 2s interval sensor that is started on demand.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{Listen: DefaultListen},
		Store:  StoreConfig{Path: "autonomic.db"},
	}

	for i := 1; i <= 3; i++ {
		store := fmt.Sprintf("store_%d", i)
		cfg.Controllers = append(cfg.Controllers, ControllerConfig{
			ID:          fmt.Sprintf("controller_%d", i),
			Description: "Play ground test controller",
			Resource:    ResourceConfig{Kind: ResourceFile, Path: filepath.Join("state", store)},
			Desired:     "default state",
			Poll:        Duration(time.Second),
		})
	}

	cfg.Operations = []OperationConfig{
		{
			Controller:  "controller",
			ID:          "main_operation",
			Description: "Main playground operation",
			Kind:        OperationPlayground,
			Sensor: &SensorConfig{
				Kind:       SensorInterval,
				Interval:   Duration(2 * time.Second),
				Parameters: map[string]interface{}{"play": map[string]interface{}{"kind": "ok"}},
			},
		},
		{
			Controller:  "controller",
			ID:          "secondary_operation",
			Description: "Secondary playground operation",
			Kind:        OperationPlayground,
		},
	}

	cfg.ApplyDefaults()
	return cfg
}
