package llm

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Service is one entry of the service registry config (llmservices.json).
type Service struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	BaseURL        string        `json:"baseURL"`
	Model          string        `json:"model"`
	APIKey         string        `json:"apiKey"`
	Capabilities   *Capabilities `json:"capabilities,omitempty"`
	CapabilityTags []string      `json:"capabilityTags,omitempty"`
	Description    string        `json:"description,omitempty"`
}

// Caps returns the declared capabilities, defaulting to text/text when the
// config omits the object.
func (s Service) Caps() Capabilities {
	if s.Capabilities == nil {
		return DefaultCapabilities()
	}
	return *s.Capabilities
}

// Registry resolves service IDs to clients. The first configured service is
// the default. Reload is atomic; existing in-flight clients keep working.
type Registry struct {
	mu        sync.RWMutex
	clients   map[string]*ServiceClient
	order     []string
	retryCfg  *RetryConfig
	watchStop chan struct{}
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*ServiceClient)}
}

// SetRetryConfig applies a retry schedule to all clients built from now on.
func (r *Registry) SetRetryConfig(cfg RetryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCfg = &cfg
	for _, c := range r.clients {
		c.retryConfig = cfg
	}
}

// LoadFile parses llmservices.json (JSON5) and replaces the registry content.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read service registry: %w", err)
	}
	var services []Service
	if err := json5.Unmarshal(raw, &services); err != nil {
		return fmt.Errorf("parse service registry: %w", err)
	}
	return r.Load(services)
}

// Load replaces the registry content from parsed service entries.
func (r *Registry) Load(services []Service) error {
	clients := make(map[string]*ServiceClient, len(services))
	order := make([]string, 0, len(services))
	for _, svc := range services {
		if svc.ID == "" || svc.BaseURL == "" {
			return fmt.Errorf("service entry missing id or baseURL: %+v", svc.Name)
		}
		c := NewServiceClient(svc)
		clients[svc.ID] = c
		order = append(order, svc.ID)
	}

	r.mu.Lock()
	if r.retryCfg != nil {
		for _, c := range clients {
			c.retryConfig = *r.retryCfg
		}
	}
	r.clients = clients
	r.order = order
	r.mu.Unlock()

	slog.Info("llm.services_loaded", "count", len(order))
	return nil
}

// Get resolves a service ID; an empty id resolves to the default service.
func (r *Registry) Get(serviceID string) (*ServiceClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if serviceID == "" {
		if len(r.order) == 0 {
			return nil, fmt.Errorf("no llm services configured")
		}
		return r.clients[r.order[0]], nil
	}
	c, ok := r.clients[serviceID]
	if !ok {
		return nil, fmt.Errorf("unknown llm service %q", serviceID)
	}
	return c, nil
}

// List returns the configured services in registry order.
func (r *Registry) List() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Service, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.clients[id].service)
	}
	return out
}

// Watch hot-reloads the registry when path changes. Stop with StopWatch.
func (r *Registry) Watch(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch service registry: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch service registry: %w", err)
	}

	stop := make(chan struct{})
	r.mu.Lock()
	r.watchStop = stop
	r.mu.Unlock()

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.LoadFile(path); err != nil {
					slog.Warn("llm.services_reload_failed", "path", path, "error", err)
				} else {
					slog.Info("llm.services_reloaded", "path", path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("llm.services_watch_error", "error", err)
			case <-stop:
				return
			}
		}
	}()
	return nil
}

// StopWatch halts a running watcher. Safe to call when none is running.
func (r *Registry) StopWatch() {
	r.mu.Lock()
	stop := r.watchStop
	r.watchStop = nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}
