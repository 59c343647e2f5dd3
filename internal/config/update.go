package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UpdateSilenceThreshold rewrites vad.silence_threshold in the config file,
// keeping every other key as written
func UpdateSilenceThreshold(configPath string, threshold float64) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("config file not found at '%s': %w", configPath, err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	var configData map[string]interface{}
	if err := yaml.Unmarshal(data, &configData); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if configData == nil {
		configData = make(map[string]interface{})
	}

	vad, ok := configData["vad"].(map[string]interface{})
	if !ok {
		vad = make(map[string]interface{})
		configData["vad"] = vad
	}
	vad["silence_threshold"] = threshold

	output, err := yaml.Marshal(configData)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, output, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
