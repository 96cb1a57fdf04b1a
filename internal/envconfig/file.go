package envconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RootFileConfig is the on-disk counterpart of dllama-root's CLI flags
// (spec.md §6): a cluster's worker list is usually long enough that
// typing it out as repeated --worker flags every run is impractical, so
// --config points at one of these instead. Flags explicitly passed on
// the command line still win over whatever the file sets.
type RootFileConfig struct {
	ModelPath      string   `yaml:"modelPath"`
	TokenizerPath  string   `yaml:"tokenizerPath"`
	NThreads       int      `yaml:"nThreads"`
	WorkerEndpoint []string `yaml:"workerEndpoints"`
	WeightsDType   string   `yaml:"weightsFloatType"`
	BufferDType    string   `yaml:"bufferFloatType"`
	Temperature    float64  `yaml:"temperature"`
	Topp           float64  `yaml:"topp"`
	Steps          int      `yaml:"steps"`
	Prompt         string   `yaml:"prompt"`
	SystemPrompt   string   `yaml:"systemPrompt"`
}

// WorkerFileConfig is the on-disk counterpart of dllama-worker's flags.
type WorkerFileConfig struct {
	ListenPort int `yaml:"listenPort"`
	NThreads   int `yaml:"nThreads"`
}

// LoadRootConfig parses a root YAML config file.
func LoadRootConfig(path string) (*RootFileConfig, error) {
	var c RootFileConfig
	if err := readYAML(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadWorkerConfig parses a worker YAML config file.
func LoadWorkerConfig(path string) (*WorkerFileConfig, error) {
	var c WorkerFileConfig
	if err := readYAML(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("envconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("envconfig: parse %s: %w", path, err)
	}
	return nil
}
