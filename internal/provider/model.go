package provider

import (
	"fmt"
	"slices"
	"strings"
)

// ModelRef names a model as "provider/model". The model part may itself
// contain slashes.
type ModelRef string

func NewModelRef(providerID, modelID string) ModelRef {
	return ModelRef(providerID + "/" + modelID)
}

func (r ModelRef) Provider() string {
	p, _, ok := strings.Cut(string(r), "/")
	if !ok {
		return ""
	}
	return p
}

func (r ModelRef) Model() string {
	_, m, ok := strings.Cut(string(r), "/")
	if !ok {
		return string(r)
	}
	return m
}

func (r ModelRef) String() string { return string(r) }

func (r ModelRef) Valid() bool {
	return r.Provider() != "" && r.Model() != ""
}

func ParseModelRef(s string) (ModelRef, error) {
	ref := ModelRef(strings.TrimSpace(s))
	if !ref.Valid() {
		return "", fmt.Errorf("invalid model ref %q: expected provider/model", s)
	}
	return ref, nil
}

type Feature string

const (
	FeatureStreaming Feature = "streaming"
	FeatureReasoning Feature = "reasoning"
	FeatureImages    Feature = "images"
	FeatureTools     Feature = "tools"
)

// ModelCost is the price in USD per million tokens.
type ModelCost struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Estimate prices one completion.
func (c ModelCost) Estimate(u Usage) float64 {
	return (float64(u.InputTokens)*c.Input + float64(u.OutputTokens)*c.Output) / 1e6
}

type ModelInfo struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	ProviderID    string    `json:"provider_id" yaml:"provider_id"`
	Reasoning     bool      `json:"reasoning" yaml:"reasoning"`
	InputTypes    []string  `json:"input" yaml:"input"`
	ContextWindow int       `json:"context_window" yaml:"context_window"`
	MaxTokens     int       `json:"max_tokens" yaml:"max_tokens"`
	Cost          ModelCost `json:"cost" yaml:"cost"`
	Features      []Feature `json:"features" yaml:"features"`
}

func (m ModelInfo) Ref() ModelRef {
	return NewModelRef(m.ProviderID, m.ID)
}

func (m ModelInfo) SupportsFeature(f Feature) bool {
	return slices.Contains(m.Features, f)
}

// AcceptsImages reports whether image parts may be sent to the model. A
// model that declares no input types is assumed to accept them.
func (m ModelInfo) AcceptsImages() bool {
	if m.SupportsFeature(FeatureImages) || len(m.InputTypes) == 0 {
		return true
	}
	return slices.Contains(m.InputTypes, "image")
}
