package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storetalon/storetalon/internal/failover"
	"github.com/storetalon/storetalon/internal/orchestrator"
	"github.com/storetalon/storetalon/internal/provider"
	"github.com/storetalon/storetalon/internal/scheduler"
)

type Config struct {
	Models       ModelsConfig                    `yaml:"models"`
	Planner      PlannerConfig                   `yaml:"planner"`
	Executor     ExecutorConfig                  `yaml:"executor"`
	Confirmation orchestrator.ConfirmationPolicy `yaml:"confirmation"`
	Auth         AuthConfig                      `yaml:"auth"`
	Agents       AgentsConfig                    `yaml:"agents"`
	State        StateConfig                     `yaml:"state"`
	Progress     ProgressConfig                  `yaml:"progress"`
	Metrics      MetricsConfig                   `yaml:"metrics"`
	Scheduler    SchedulerConfig                 `yaml:"scheduler"`
}

type ModelsConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Catalog   map[string]CatalogEntry   `yaml:"catalog"`
}

type ProviderConfig struct {
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	API     string            `yaml:"api"`
	Timeout string            `yaml:"timeout"`
	Models  []ModelDefinition `yaml:"models"`
}

type ModelDefinition struct {
	ID            string     `yaml:"id"`
	Name          string     `yaml:"name"`
	Reasoning     bool       `yaml:"reasoning"`
	InputTypes    []string   `yaml:"input"`
	ContextWindow int        `yaml:"context_window"`
	MaxTokens     int        `yaml:"max_tokens"`
	Cost          CostConfig `yaml:"cost"`
}

type CostConfig struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

type CatalogEntry struct {
	Alias  string `yaml:"alias"`
	Weight int    `yaml:"weight"`
}

type PlannerConfig struct {
	Model        string   `yaml:"model"`
	Fallbacks    []string `yaml:"fallbacks"`
	MaxTokens    int      `yaml:"max_tokens"`
	Temperature  *float64 `yaml:"temperature"`
	Rules        []string `yaml:"rules"`
	HistoryTurns int      `yaml:"history_turns"`
}

type ExecutorConfig struct {
	MaxParallelAgents int    `yaml:"max_parallel_agents"`
	StepTimeout       string `yaml:"step_timeout"`
}

type AuthConfig struct {
	Cooldowns CooldownConfig `yaml:"cooldowns"`
}

type CooldownConfig struct {
	Initial    string `yaml:"initial"`
	Max        string `yaml:"max"`
	Multiplier int    `yaml:"multiplier"`
}

// AgentsConfig lists the capability providers to load. Each Lua script is
// registered under its file name; each package directory holds YAML request
// package sets that name their own agent.
type AgentsConfig struct {
	Scripts  []string `yaml:"scripts"`
	Packages []string `yaml:"packages"`
}

type StateConfig struct {
	DataDir     string         `yaml:"data_dir"`
	MaxMessages int            `yaml:"max_messages"`
	MaxIdleDays int            `yaml:"max_idle_days"`
	MaxMemories int            `yaml:"max_memories"`
	Postgres    PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type ProgressConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
	PerPlan  bool   `yaml:"per_plan"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type SchedulerConfig struct {
	Jobs []scheduler.Job `yaml:"jobs"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func expandEnvInConfig(cfg *Config) {
	for name, p := range cfg.Models.Providers {
		p.BaseURL = expandEnv(p.BaseURL)
		p.APIKey = expandEnv(p.APIKey)
		cfg.Models.Providers[name] = p
	}
	cfg.State.DataDir = expandEnv(cfg.State.DataDir)
	cfg.State.Postgres.DSN = expandEnv(cfg.State.Postgres.DSN)
	cfg.Progress.Redis.Addr = expandEnv(cfg.Progress.Redis.Addr)
	cfg.Progress.Redis.Password = expandEnv(cfg.Progress.Redis.Password)
	for i, s := range cfg.Agents.Scripts {
		cfg.Agents.Scripts[i] = expandEnv(s)
	}
	for i, d := range cfg.Agents.Packages {
		cfg.Agents.Packages[i] = expandEnv(d)
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandEnvInConfig(&cfg)
	return &cfg, nil
}

// Validate returns the first problem found, or nil.
func (c *Config) Validate() error {
	for id, p := range c.Models.Providers {
		switch p.API {
		case "", provider.APIOpenAI, provider.APIAnthropic:
		default:
			return fmt.Errorf("models.providers.%s: unknown api %q", id, p.API)
		}
		if p.Timeout != "" {
			if _, err := time.ParseDuration(p.Timeout); err != nil {
				return fmt.Errorf("models.providers.%s.timeout: %w", id, err)
			}
		}
	}
	if c.Planner.Model != "" {
		if _, err := c.ResolveModel(c.Planner.Model); err != nil {
			return fmt.Errorf("planner.model: %w", err)
		}
	}
	for i, f := range c.Planner.Fallbacks {
		if _, err := c.ResolveModel(f); err != nil {
			return fmt.Errorf("planner.fallbacks[%d]: %w", i, err)
		}
	}
	if c.Planner.MaxTokens < 0 {
		return fmt.Errorf("planner.max_tokens must not be negative")
	}
	if c.Executor.MaxParallelAgents < 0 {
		return fmt.Errorf("executor.max_parallel_agents must not be negative")
	}
	if _, err := c.StepTimeout(); err != nil {
		return fmt.Errorf("executor.step_timeout: %w", err)
	}
	if _, err := c.Cooldowns(); err != nil {
		return fmt.Errorf("auth.cooldowns: %w", err)
	}
	for i, r := range c.Confirmation.CostRules {
		if r.Action == "" || r.Param == "" {
			return fmt.Errorf("confirmation.cost_rules[%d]: action and param are required", i)
		}
	}
	if c.State.MaxMessages < 0 {
		return fmt.Errorf("state.max_messages must not be negative")
	}
	seen := make(map[string]bool, len(c.Scheduler.Jobs))
	for i, j := range c.Scheduler.Jobs {
		if j.Name == "" {
			return fmt.Errorf("scheduler.jobs[%d]: name is required", i)
		}
		if seen[j.Name] {
			return fmt.Errorf("scheduler.jobs[%d]: duplicate job %q", i, j.Name)
		}
		seen[j.Name] = true
		if j.Schedule == "" || j.Request == "" {
			return fmt.Errorf("scheduler.jobs[%d]: schedule and request are required", i)
		}
	}
	return nil
}

// ResolveModel accepts a provider/model ref or a catalog alias.
func (c *Config) ResolveModel(s string) (provider.ModelRef, error) {
	for ref, entry := range c.Models.Catalog {
		if entry.Alias != "" && entry.Alias == s {
			return provider.ParseModelRef(ref)
		}
	}
	return provider.ParseModelRef(s)
}

// StepTimeout returns the per-step timeout, or zero when unset.
func (c *Config) StepTimeout() (time.Duration, error) {
	if c.Executor.StepTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Executor.StepTimeout)
}

// Cooldowns converts the cooldown section, filling unset fields from the defaults.
func (c *Config) Cooldowns() (failover.CooldownConfig, error) {
	out := failover.DefaultCooldownConfig()
	cc := c.Auth.Cooldowns
	if cc.Initial != "" {
		d, err := time.ParseDuration(cc.Initial)
		if err != nil {
			return out, fmt.Errorf("initial: %w", err)
		}
		out.Initial = d
	}
	if cc.Max != "" {
		d, err := time.ParseDuration(cc.Max)
		if err != nil {
			return out, fmt.Errorf("max: %w", err)
		}
		out.Max = d
	}
	if cc.Multiplier > 0 {
		out.Multiplier = cc.Multiplier
	}
	return out, nil
}

// ProviderConfigs converts the providers section for provider.FromConfig.
func (c *Config) ProviderConfigs() []provider.ProviderConfig {
	out := make([]provider.ProviderConfig, 0, len(c.Models.Providers))
	for id, p := range c.Models.Providers {
		pc := provider.ProviderConfig{
			ID:      id,
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			API:     p.API,
		}
		if d, err := time.ParseDuration(p.Timeout); err == nil {
			pc.Timeout = d
		}
		for _, m := range p.Models {
			pc.Models = append(pc.Models, provider.ModelInfo{
				ID:            m.ID,
				Name:          m.Name,
				ProviderID:    id,
				Reasoning:     m.Reasoning,
				InputTypes:    m.InputTypes,
				ContextWindow: m.ContextWindow,
				MaxTokens:     m.MaxTokens,
				Cost:          provider.ModelCost{Input: m.Cost.Input, Output: m.Cost.Output},
			})
		}
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConfirmationPolicy is the default policy with the configured rules laid over it.
func (c *Config) ConfirmationPolicy() orchestrator.ConfirmationPolicy {
	return orchestrator.DefaultConfirmationPolicy().Merge(c.Confirmation)
}
