package agent

import (
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/maestro/maestro/internal/common/errors"
	"github.com/maestro/maestro/internal/common/logger"
)

// Registry holds the known agent descriptors, with optional per-install
// overrides loaded from agents.yaml in the configuration directory.
type Registry struct {
	descriptors map[Kind]*Descriptor
	mu          sync.RWMutex
	logger      *logger.Logger
}

// Resolved pairs a descriptor with the executable path found for it.
type Resolved struct {
	Descriptor *Descriptor
	Executable string
}

// NewRegistry creates a registry with the built-in agent kinds.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		descriptors: map[Kind]*Descriptor{
			KindClaude: claudeDescriptor(),
			KindCodex:  codexDescriptor(),
			KindShell:  shellDescriptor(),
		},
		logger: log.WithFields(zap.String("component", "agent_registry")),
	}
}

// overlayEntry is one agent's overrides in agents.yaml.
type overlayEntry struct {
	Executables []string          `yaml:"executables"`
	Env         map[string]string `yaml:"env"`
	ExtraArgs   []string          `yaml:"extraArgs"`
}

// LoadOverlay applies per-install overrides from the given agents.yaml
// path. A missing file is not an error.
func (r *Registry) LoadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.PersistenceFailure("agents overlay", err)
	}

	var overlay map[string]overlayEntry
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return errors.PersistenceFailure("agents overlay", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, entry := range overlay {
		desc, ok := r.descriptors[Kind(name)]
		if !ok {
			r.logger.Warn("agents overlay names unknown agent kind", zap.String("kind", name))
			continue
		}
		if len(entry.Executables) > 0 {
			desc.Executables = entry.Executables
		}
		if len(entry.Env) > 0 {
			if desc.Env == nil {
				desc.Env = make(map[string]string)
			}
			for k, v := range entry.Env {
				desc.Env[k] = v
			}
		}
		if len(entry.ExtraArgs) > 0 {
			base := desc.SpawnArgs
			extra := entry.ExtraArgs
			desc.SpawnArgs = func(opts SpawnOptions) []string {
				return append(base(opts), extra...)
			}
		}
		r.logger.Info("applied agents overlay", zap.String("kind", name))
	}
	return nil
}

// Get returns the descriptor for a kind, or UnknownAgent.
func (r *Registry) Get(kind Kind) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.descriptors[kind]
	if !ok {
		return nil, errors.UnknownAgent(string(kind))
	}
	return desc, nil
}

// Kinds lists the registered agent kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.descriptors))
	for k := range r.descriptors {
		kinds = append(kinds, k)
	}
	return kinds
}

// Resolve finds the executable for a kind. executableOverride, when
// non-empty, bypasses the search order entirely.
func (r *Registry) Resolve(kind Kind, executableOverride string) (*Resolved, error) {
	desc, err := r.Get(kind)
	if err != nil {
		return nil, err
	}

	if executableOverride != "" {
		if _, statErr := os.Stat(executableOverride); statErr != nil {
			return nil, errors.AgentNotFound(string(kind), executableOverride)
		}
		return &Resolved{Descriptor: desc, Executable: executableOverride}, nil
	}

	for _, name := range desc.Executables {
		if path, lookErr := exec.LookPath(name); lookErr == nil {
			return &Resolved{Descriptor: desc, Executable: path}, nil
		}
	}
	return nil, errors.AgentNotFound(string(kind), desc.Executables[0])
}

func newSubmissionID() string {
	return uuid.New().String()
}
