package provider

import (
	"fmt"
	"sync"
)

// Manager maps provider names to their Provider instances.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewManager returns a manager pre-loaded with the built-in providers.
func NewManager() *Manager {
	manager := &Manager{
		providers: make(map[string]Provider),
	}
	manager.Register(NewClaudeCodeProvider())
	manager.Register(NewCodexProvider())
	return manager
}

// Register binds a provider under its own name.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (m *Manager) Get(name string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", name)
	}
	return p, nil
}

// NewByType creates a Provider by its type name.
func NewByType(providerType string) (Provider, error) {
	switch providerType {
	case "codex":
		return NewCodexProvider(), nil
	case "claude_code":
		return NewClaudeCodeProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", providerType)
	}
}
