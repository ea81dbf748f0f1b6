// Package prompt manages the versioned prompt templates used for LLM
// calls. Templates live on disk as YAML files and overlay compiled-in
// defaults; a run captures an immutable Set at start so prompt edits
// never change behavior mid-run.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"prospector/internal/logging"
	"prospector/internal/types"
)

// Well-known prompt ids.
const (
	IDQueryOptimization = "query_optimization"
	IDWebsiteExtraction = "website_extraction"
	IDRelevanceScoring  = "relevance_scoring"
)

// Prompt is one template file.
type Prompt struct {
	ID        string `yaml:"id"`
	Version   string `yaml:"version"`
	ModelHint string `yaml:"model_hint,omitempty"`
	Template  string `yaml:"template"`
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Set is an immutable collection of prompts captured for one run.
type Set struct {
	prompts map[string]Prompt
}

// Get returns the prompt for id.
func (s *Set) Get(id string) (Prompt, bool) {
	p, ok := s.prompts[id]
	return p, ok
}

// IDs returns the sorted prompt ids in the set.
func (s *Set) IDs() []string {
	ids := make([]string, 0, len(s.prompts))
	for id := range s.prompts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshots returns the id/version provenance of every prompt in the
// set, without variable bindings. Used for the project first-run lock.
func (s *Set) Snapshots() map[string]types.PromptSnapshot {
	out := make(map[string]types.PromptSnapshot, len(s.prompts))
	for id, p := range s.prompts {
		out[id] = types.PromptSnapshot{ID: p.ID, Version: p.Version}
	}
	return out
}

// Templates returns id → template text, for operator inspection of
// what a run would actually send.
func (s *Set) Templates() map[string]string {
	out := make(map[string]string, len(s.prompts))
	for id, p := range s.prompts {
		out[id] = p.Template
	}
	return out
}

// Render materializes the template with vars. Placeholders with no
// matching var are a hard error; vars without a placeholder are
// ignored. The returned snapshot records which template produced the
// text for provenance.
func (s *Set) Render(id string, vars map[string]string) (string, types.PromptSnapshot, error) {
	p, ok := s.prompts[id]
	if !ok {
		return "", types.PromptSnapshot{}, fmt.Errorf("unknown prompt id %q", id)
	}

	var missing []string
	text := placeholderRe.ReplaceAllStringFunc(p.Template, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		val, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return val
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", types.PromptSnapshot{}, fmt.Errorf("prompt %q: unresolved variables: %s", id, strings.Join(missing, ", "))
	}

	snap := types.PromptSnapshot{
		ID:       p.ID,
		Version:  p.Version,
		VarsHash: hashVars(vars),
	}
	return text, snap, nil
}

// hashVars produces a stable digest of the variable bindings so two
// renders with the same inputs share a snapshot hash.
func hashVars(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(vars[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Registry loads prompts from a directory and hands out immutable
// sets. Reload swaps the current set atomically; sets already handed
// out are unaffected.
type Registry struct {
	dir    string
	logger *logging.Logger

	mu      sync.RWMutex
	current *Set
}

// NewRegistry loads builtin prompts plus any *.yaml files in dir. An
// empty or missing dir serves the builtins alone.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:    dir,
		logger: logging.Get(logging.CategoryPrompt),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Current returns the active set. Callers hold it for the duration of
// a run.
func (r *Registry) Current() *Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Render is a convenience over the current set.
func (r *Registry) Render(id string, vars map[string]string) (string, types.PromptSnapshot, error) {
	return r.Current().Render(id, vars)
}

// Reload re-reads the prompt directory and swaps the current set.
func (r *Registry) Reload() error {
	prompts := builtinPrompts()

	if r.dir != "" {
		entries, err := os.ReadDir(r.dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read prompt dir: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			path := filepath.Join(r.dir, name)
			p, err := loadPromptFile(path)
			if err != nil {
				r.logger.Warn("skipping unreadable prompt file %s: %v", name, err)
				continue
			}
			prompts[p.ID] = p
			logging.PromptDebug("loaded prompt %s v%s from %s", p.ID, p.Version, name)
		}
	}

	r.mu.Lock()
	r.current = &Set{prompts: prompts}
	r.mu.Unlock()

	logging.Prompt("prompt registry loaded %d prompts", len(prompts))
	return nil
}

func loadPromptFile(path string) (Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Prompt{}, err
	}
	var p Prompt
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Prompt{}, err
	}
	if p.ID == "" {
		return Prompt{}, fmt.Errorf("prompt file %s has no id", filepath.Base(path))
	}
	if p.Version == "" {
		p.Version = "1"
	}
	if strings.TrimSpace(p.Template) == "" {
		return Prompt{}, fmt.Errorf("prompt %s has an empty template", p.ID)
	}
	return p, nil
}
