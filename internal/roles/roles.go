// Package roles loads typed role definitions and discussion profiles from a
// YAML file and resolves the system prompt each participant session is created
// with.
package roles

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Definition describes one named participant.
type Definition struct {
	Name   string `koanf:"name" json:"name"`
	Model  string `koanf:"model" json:"model,omitempty"`
	Prompt string `koanf:"prompt" json:"prompt,omitempty"`
}

// Profile is a reusable discussion setup: shared instructions and mandatory
// rules applied to every participant of a debate run with that profile.
type Profile struct {
	Description        string   `koanf:"description"`
	GlobalInstructions string   `koanf:"global_instructions"`
	Rules              []string `koanf:"rules"`
}

// Registry holds the role definitions loaded at startup.
type Registry struct {
	DefaultModel          string
	DefaultResponseFormat string
	Prompts               map[string]string
	Models                map[string]string
	Profiles              map[string]Profile
}

type rolesFile struct {
	DefaultModel          string                `koanf:"default_model"`
	DefaultResponseFormat string                `koanf:"default_response_format"`
	Profiles              map[string]Profile    `koanf:"profiles"`
	Roles                 map[string]roleConfig `koanf:"roles"`
}

type roleConfig struct {
	Model  string `koanf:"model"`
	Prompt string `koanf:"prompt"`
}

const fallbackModel = "groq/llama-3.1-70b-versatile"

// Load reads the roles file. A missing file yields an empty registry; a
// present but malformed file is an error.
func Load(path string) (*Registry, error) {
	reg := &Registry{
		DefaultModel: fallbackModel,
		Prompts:      map[string]string{},
		Models:       map[string]string{},
		Profiles:     map[string]Profile{},
	}
	if path == "" {
		return reg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return reg, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse roles file %s: %w", path, err)
	}

	var raw rolesFile
	if err := k.Unmarshal("", &raw); err != nil {
		return nil, fmt.Errorf("decode roles file %s: %w", path, err)
	}

	if m := strings.TrimSpace(raw.DefaultModel); m != "" {
		reg.DefaultModel = m
	}
	reg.DefaultResponseFormat = strings.TrimSpace(raw.DefaultResponseFormat)

	for name, rc := range raw.Roles {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("roles file %s: empty role name", path)
		}
		if m := strings.TrimSpace(rc.Model); m != "" {
			reg.Models[name] = m
		}
		prompt := strings.TrimSpace(strings.ReplaceAll(rc.Prompt, "{default_response_format}", reg.DefaultResponseFormat))
		if prompt != "" {
			reg.Prompts[name] = prompt
		}
	}

	for name, profile := range raw.Profiles {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("roles file %s: empty profile name", path)
		}
		clean := Profile{
			Description:        strings.TrimSpace(profile.Description),
			GlobalInstructions: strings.TrimSpace(profile.GlobalInstructions),
			Rules:              CleanRules(profile.Rules),
		}
		reg.Profiles[name] = clean
	}

	return reg, nil
}

// Model returns the model configured for the role, or the registry default.
func (r *Registry) Model(role string) string {
	if m, ok := r.Models[role]; ok {
		return m
	}
	return r.DefaultModel
}

// ResolvePrompt resolves the system prompt for a role: explicit override
// first, then the role's configured prompt, then a generic fallback.
func (r *Registry) ResolvePrompt(role, override string) string {
	if override != "" {
		return override
	}
	if prompt, ok := r.Prompts[role]; ok {
		return prompt
	}
	return defaultPrompt(role)
}

// Profile looks up a discussion profile; the bool reports whether it exists.
func (r *Registry) Profile(name string) (Profile, bool) {
	p, ok := r.Profiles[name]
	return p, ok
}

// ProfileNames returns the configured profile names, sorted.
func (r *Registry) ProfileNames() []string {
	names := make([]string, 0, len(r.Profiles))
	for name := range r.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func defaultPrompt(role string) string {
	return fmt.Sprintf(
		"You are %s on a small software team. Respond only in your role, be technical and concise, and argue your decisions. Stay in character.",
		role,
	)
}

// CleanRules trims, drops empties, and deduplicates while preserving order.
func CleanRules(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// ComposePrompt builds the full system prompt for one participant: an
// optional global-context block (profile, run instructions, merged rules)
// followed by the role's own instructions.
func ComposePrompt(roleName, basePrompt, profileName string, profile Profile, globalInstructions string, globalRules []string) string {
	combined := CleanRules(append(append([]string{}, profile.Rules...), globalRules...))
	globalInstructions = strings.TrimSpace(globalInstructions)

	var sections []string
	if profileName != "" || profile.GlobalInstructions != "" || globalInstructions != "" || len(combined) > 0 {
		sections = append(sections, "GLOBAL CONTEXT OF THE TABLE:")
		if profileName != "" {
			sections = append(sections, fmt.Sprintf("- Table type: %s", profileName))
		}
		if profile.GlobalInstructions != "" {
			sections = append(sections, fmt.Sprintf("- Profile base instructions: %s", profile.GlobalInstructions))
		}
		if globalInstructions != "" {
			sections = append(sections, fmt.Sprintf("- Run-specific instructions: %s", globalInstructions))
		}
		if len(combined) > 0 {
			sections = append(sections, "- Mandatory global rules:")
			for i, rule := range combined {
				sections = append(sections, fmt.Sprintf("  %d. %s", i+1, rule))
			}
		}
		sections = append(sections, fmt.Sprintf("- Current participant: %s", roleName))
		sections = append(sections, "- Do not break your role. Apply the global context without overriding safety or quality constraints.")
	}

	sections = append(sections, "ROLE-SPECIFIC INSTRUCTIONS:")
	sections = append(sections, strings.TrimSpace(basePrompt))

	return strings.TrimSpace(strings.Join(sections, "\n"))
}

// NormalizeRoles removes duplicates and empty names, preserving first-seen order.
func NormalizeRoles(list []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, role := range list {
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	return out
}
