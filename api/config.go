package api

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full recognized configuration surface.
type Config struct {
	MaxConcurrentWorkers int    `json:"maxConcurrentWorkers" yaml:"maxConcurrentWorkers"`
	DefaultTimeout        int    `json:"defaultTimeout" yaml:"defaultTimeout"`
	WorkerMemoryLimit     string `json:"workerMemoryLimit" yaml:"workerMemoryLimit"`
	WorkerCPULimit        string `json:"workerCpuLimit" yaml:"workerCpuLimit"`
	DefaultAIAdapter      string `json:"defaultAiAdapter" yaml:"defaultAiAdapter"`
	DefaultModel          string `json:"defaultModel" yaml:"defaultModel"`
	ContainerRuntime      string `json:"containerRuntime" yaml:"containerRuntime"`
	MessageQueueType      string `json:"messageQueueType" yaml:"messageQueueType"`
	GitCredentialType     string `json:"gitCredentialType" yaml:"gitCredentialType"`
	GitSSHAgentEnabled    bool   `json:"gitSshAgentEnabled" yaml:"gitSshAgentEnabled"`
	StateRetentionDays    int    `json:"stateRetentionDays" yaml:"stateRetentionDays"`
	IntegrationBranch     string `json:"integrationBranch" yaml:"integrationBranch"`
	AutoRefreshInterval   int    `json:"autoRefreshInterval" yaml:"autoRefreshInterval"`
}

// DefaultConfig mirrors the teacher's Config + DefaultConfig() pattern:
// sensible defaults an operator can override piecemeal via updateConfig.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentWorkers: 3,
		DefaultTimeout:       300,
		ContainerRuntime:     "rootless",
		MessageQueueType:     "file",
		GitCredentialType:    "ssh_agent",
		GitSSHAgentEnabled:   true,
		StateRetentionDays:   30,
		IntegrationBranch:    "main",
		AutoRefreshInterval:  5,
	}
}

var validContainerRuntimes = map[string]bool{"dod": true, "rootless": true, "dind": true}
var validQueueTypes = map[string]bool{"file": true, "embedded-kv": true, "network": true}
var validGitCredentialTypes = map[string]bool{"deploy_key": true, "token": true, "ssh_agent": true}

var recognizedConfigKeys = map[string]bool{
	"maxConcurrentWorkers": true, "defaultTimeout": true, "workerMemoryLimit": true,
	"workerCpuLimit": true, "defaultAiAdapter": true, "defaultModel": true,
	"containerRuntime": true, "messageQueueType": true, "gitCredentialType": true,
	"gitSshAgentEnabled": true, "stateRetentionDays": true, "integrationBranch": true,
	"autoRefreshInterval": true,
}

// ValidationResult is returned by ValidateConfig and carried in
// UpdateConfig's 422 response.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// validateAndMerge checks partial against the recognized option table,
// merging valid fields onto base. Unknown keys are a hard error; accepted
// values that are merely unusual (a 1s autoRefreshInterval, or ssh_agent
// credentials with gitSshAgentEnabled off) are warnings.
func validateAndMerge(base Config, partial map[string]interface{}) (Config, ValidationResult) {
	merged := base
	var result ValidationResult
	result.Valid = true

	for key := range partial {
		if !recognizedConfigKeys[key] {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("unknown configuration key %q", key))
		}
	}

	if v, ok := partial["maxConcurrentWorkers"]; ok {
		n, ok := asInt(v)
		if !ok || n < 1 || n > 10 {
			result.Valid = false
			result.Errors = append(result.Errors, "maxConcurrentWorkers must be an integer between 1 and 10")
		} else {
			merged.MaxConcurrentWorkers = n
		}
	}
	if v, ok := partial["defaultTimeout"]; ok {
		n, ok := asInt(v)
		if !ok || n < 30 || n > 3600 {
			result.Valid = false
			result.Errors = append(result.Errors, "defaultTimeout must be an integer between 30 and 3600 seconds")
		} else {
			merged.DefaultTimeout = n
		}
	}
	if v, ok := partial["workerMemoryLimit"]; ok {
		if s, ok := v.(string); ok {
			merged.WorkerMemoryLimit = s
		} else {
			result.Valid = false
			result.Errors = append(result.Errors, "workerMemoryLimit must be a string")
		}
	}
	if v, ok := partial["workerCpuLimit"]; ok {
		if s, ok := v.(string); ok {
			merged.WorkerCPULimit = s
		} else {
			result.Valid = false
			result.Errors = append(result.Errors, "workerCpuLimit must be a string")
		}
	}
	if v, ok := partial["defaultAiAdapter"]; ok {
		if s, ok := v.(string); ok {
			merged.DefaultAIAdapter = s
		} else {
			result.Valid = false
			result.Errors = append(result.Errors, "defaultAiAdapter must be a string")
		}
	}
	if v, ok := partial["defaultModel"]; ok {
		if s, ok := v.(string); ok {
			merged.DefaultModel = s
		} else {
			result.Valid = false
			result.Errors = append(result.Errors, "defaultModel must be a string")
		}
	}
	if v, ok := partial["containerRuntime"]; ok {
		s, ok := v.(string)
		if !ok || !validContainerRuntimes[s] {
			result.Valid = false
			result.Errors = append(result.Errors, "containerRuntime must be one of dod|rootless|dind")
		} else {
			merged.ContainerRuntime = s
		}
	}
	if v, ok := partial["messageQueueType"]; ok {
		s, ok := v.(string)
		if !ok || !validQueueTypes[s] {
			result.Valid = false
			result.Errors = append(result.Errors, "messageQueueType must be one of file|embedded-kv|network")
		} else {
			merged.MessageQueueType = s
		}
	}
	if v, ok := partial["gitCredentialType"]; ok {
		s, ok := v.(string)
		if !ok || !validGitCredentialTypes[s] {
			result.Valid = false
			result.Errors = append(result.Errors, "gitCredentialType must be one of deploy_key|token|ssh_agent")
		} else {
			merged.GitCredentialType = s
		}
	}
	if v, ok := partial["gitSshAgentEnabled"]; ok {
		b, ok := v.(bool)
		if !ok {
			result.Valid = false
			result.Errors = append(result.Errors, "gitSshAgentEnabled must be a boolean")
		} else {
			merged.GitSSHAgentEnabled = b
		}
	}
	if v, ok := partial["stateRetentionDays"]; ok {
		n, ok := asInt(v)
		if !ok || n < 1 || n > 365 {
			result.Valid = false
			result.Errors = append(result.Errors, "stateRetentionDays must be an integer between 1 and 365")
		} else {
			merged.StateRetentionDays = n
		}
	}
	if v, ok := partial["integrationBranch"]; ok {
		if s, ok := v.(string); ok {
			merged.IntegrationBranch = s
		} else {
			result.Valid = false
			result.Errors = append(result.Errors, "integrationBranch must be a string")
		}
	}
	if v, ok := partial["autoRefreshInterval"]; ok {
		n, ok := asInt(v)
		if !ok || n < 0 {
			result.Valid = false
			result.Errors = append(result.Errors, "autoRefreshInterval must be a non-negative integer")
		} else {
			merged.AutoRefreshInterval = n
			if n > 0 && n < 2 {
				result.Warnings = append(result.Warnings, "autoRefreshInterval below 2s will poll aggressively")
			}
		}
	}

	if merged.GitCredentialType == "ssh_agent" && !merged.GitSSHAgentEnabled {
		result.Warnings = append(result.Warnings, "gitCredentialType is ssh_agent but gitSshAgentEnabled is false")
	}

	return merged, result
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// GetConfig returns the currently persisted configuration.
func (a *API) GetConfig() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}

// ValidateConfig checks partial against the recognized option table
// without persisting anything.
func (a *API) ValidateConfig(partial map[string]interface{}) ValidationResult {
	a.mu.Lock()
	base := a.config
	a.mu.Unlock()
	_, result := validateAndMerge(base, partial)
	return result
}

// UpdateConfig validates and merges partial onto the persisted config. On
// failure it returns the unmodified config and a ValidationResult with
// Valid=false; the caller renders that as a 422 with errors/warnings.
func (a *API) UpdateConfig(partial map[string]interface{}) (Config, ValidationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	merged, result := validateAndMerge(a.config, partial)
	if !result.Valid {
		return a.config, result, nil
	}
	if err := a.store.Save("state", "config", merged); err != nil {
		return a.config, result, newError(CodeInternalError, "%v", err)
	}
	a.config = merged
	return merged, result, nil
}

// LoadBootstrapYAML reads an optional human-editable bootstrap file
// (aicompany.yaml) at startup and merges it onto cfg, giving operators a
// YAML entrypoint while the hot-reload path (UpdateConfig) stays JSON.
// A missing file is not an error.
func LoadBootstrapYAML(path string, cfg Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("api: read bootstrap config: %w", err)
	}
	var fromYAML Config
	if err := yaml.Unmarshal(data, &fromYAML); err != nil {
		return cfg, fmt.Errorf("api: parse bootstrap config: %w", err)
	}
	merged := cfg
	mergeNonZero(&merged, fromYAML)
	return merged, nil
}

func mergeNonZero(dst *Config, src Config) {
	if src.MaxConcurrentWorkers != 0 {
		dst.MaxConcurrentWorkers = src.MaxConcurrentWorkers
	}
	if src.DefaultTimeout != 0 {
		dst.DefaultTimeout = src.DefaultTimeout
	}
	if src.WorkerMemoryLimit != "" {
		dst.WorkerMemoryLimit = src.WorkerMemoryLimit
	}
	if src.WorkerCPULimit != "" {
		dst.WorkerCPULimit = src.WorkerCPULimit
	}
	if src.DefaultAIAdapter != "" {
		dst.DefaultAIAdapter = src.DefaultAIAdapter
	}
	if src.DefaultModel != "" {
		dst.DefaultModel = src.DefaultModel
	}
	if src.ContainerRuntime != "" {
		dst.ContainerRuntime = src.ContainerRuntime
	}
	if src.MessageQueueType != "" {
		dst.MessageQueueType = src.MessageQueueType
	}
	if src.GitCredentialType != "" {
		dst.GitCredentialType = src.GitCredentialType
	}
	dst.GitSSHAgentEnabled = src.GitSSHAgentEnabled || dst.GitSSHAgentEnabled
	if src.StateRetentionDays != 0 {
		dst.StateRetentionDays = src.StateRetentionDays
	}
	if src.IntegrationBranch != "" {
		dst.IntegrationBranch = src.IntegrationBranch
	}
	if src.AutoRefreshInterval != 0 {
		dst.AutoRefreshInterval = src.AutoRefreshInterval
	}
}
