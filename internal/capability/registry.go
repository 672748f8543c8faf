// Package capability aggregates tools from installed extensions and MCP
// servers into one governed registry, and routes invocations through
// the policy gates to the right executor.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentos-dev/agentos/internal/extensions"
	"github.com/agentos-dev/agentos/internal/mcp"
	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/pkg/models"
)

// defaultRefreshTTL is how often the tool table is rebuilt.
const defaultRefreshTTL = 60 * time.Second

// Source contributes tool descriptors to the registry.
type Source interface {
	Type() models.ToolSource
	Descriptors(ctx context.Context) ([]*models.ToolDescriptor, error)
}

// Registry is the unified tool table. Refresh failures of one source
// keep that source's previous snapshot; the other sources still update.
type Registry struct {
	sources []Source
	ttl     time.Duration
	logger  *slog.Logger

	mu        sync.RWMutex
	bySource  map[models.ToolSource][]*models.ToolDescriptor
	tools     map[string]*models.ToolDescriptor
	refreshed time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry creates a registry over the given sources.
func NewRegistry(ttl time.Duration, sources ...Source) *Registry {
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	return &Registry{
		sources:  sources,
		ttl:      ttl,
		logger:   observability.Component("capability"),
		bySource: make(map[models.ToolSource][]*models.ToolDescriptor),
		tools:    make(map[string]*models.ToolDescriptor),
		stop:     make(chan struct{}),
	}
}

// Start refreshes immediately and then on the TTL until Close.
func (r *Registry) Start(ctx context.Context) {
	r.Refresh(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Refresh(ctx)
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the refresh loop.
func (r *Registry) Close() {
	close(r.stop)
	r.wg.Wait()
}

// Refresh rebuilds the tool table. Sources run concurrently; a failing
// source logs and keeps its last snapshot.
func (r *Registry) Refresh(ctx context.Context) {
	type snapshot struct {
		source models.ToolSource
		tools  []*models.ToolDescriptor
	}
	results := make([]snapshot, len(r.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range r.sources {
		i, src := i, src
		g.Go(func() error {
			tools, err := src.Descriptors(gctx)
			if err != nil {
				r.logger.Warn("tool source refresh failed",
					"source", src.Type(), "error", err)
				r.mu.RLock()
				tools = r.bySource[src.Type()]
				r.mu.RUnlock()
			}
			results[i] = snapshot{source: src.Type(), tools: tools}
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]*models.ToolDescriptor)
	bySource := make(map[models.ToolSource][]*models.ToolDescriptor, len(results))
	for _, snap := range results {
		bySource[snap.source] = snap.tools
		for _, d := range snap.tools {
			if err := d.Validate(); err != nil {
				r.logger.Warn("dropping invalid descriptor", "tool_id", d.ToolID, "error", err)
				continue
			}
			merged[d.ToolID] = d
		}
	}

	r.mu.Lock()
	r.bySource = bySource
	r.tools = merged
	r.refreshed = time.Now().UTC()
	r.mu.Unlock()
	r.logger.Debug("tool table refreshed", "tools", len(merged))
}

// Get returns one descriptor.
func (r *Registry) Get(toolID string) (*models.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[toolID]
	return d, ok
}

// List returns every known tool.
func (r *Registry) List() []*models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.ToolDescriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	return out
}

// LastRefreshed reports when the table was last rebuilt.
func (r *Registry) LastRefreshed() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshed
}

// ExtensionSource surfaces the capabilities of installed, enabled
// extensions as ext:<extension_id>:<command> tools.
type ExtensionSource struct {
	registry *extensions.Registry
}

// NewExtensionSource wraps the extension registry.
func NewExtensionSource(registry *extensions.Registry) *ExtensionSource {
	return &ExtensionSource{registry: registry}
}

func (s *ExtensionSource) Type() models.ToolSource { return models.SourceExtension }

func (s *ExtensionSource) Descriptors(ctx context.Context) ([]*models.ToolDescriptor, error) {
	enabled, err := s.registry.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled extensions: %w", err)
	}
	var out []*models.ToolDescriptor
	for _, inst := range enabled {
		for _, decl := range inst.Manifest.Capabilities {
			sideEffects := decl.SideEffects
			if len(sideEffects) == 0 {
				sideEffects = InferSideEffects(inst.Manifest.PermissionsRequired, decl.Command)
			}
			risk := models.RiskLevel(strings.ToUpper(decl.RiskLevel))
			if decl.RiskLevel == "" {
				risk = InferRisk(decl.Command, decl.Description, sideEffects)
			}
			out = append(out, &models.ToolDescriptor{
				ToolID:         "ext:" + inst.Manifest.ID + ":" + decl.Command,
				Name:           decl.Command,
				Description:    decl.Description,
				RiskLevel:      risk,
				SideEffectTags: sideEffects,
				SourceType:     models.SourceExtension,
				SourceID:       inst.Manifest.ID,
				Enabled:        true,
			})
		}
	}
	return out, nil
}

// MCPSource surfaces the tools of connected MCP servers as
// mcp:<server_id>:<tool> tools.
type MCPSource struct {
	manager *mcp.Manager
}

// NewMCPSource wraps the MCP manager.
func NewMCPSource(manager *mcp.Manager) *MCPSource {
	return &MCPSource{manager: manager}
}

func (s *MCPSource) Type() models.ToolSource { return models.SourceMCP }

func (s *MCPSource) Descriptors(ctx context.Context) ([]*models.ToolDescriptor, error) {
	var out []*models.ToolDescriptor
	var firstErr error
	for _, serverID := range s.manager.ServerIDs() {
		tools, err := s.manager.ListTools(ctx, serverID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, t := range tools {
			out = append(out, &models.ToolDescriptor{
				ToolID:      "mcp:" + serverID + ":" + t.Name,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
				RiskLevel:   InferRisk(t.Name, t.Description, nil),
				SourceType:  models.SourceMCP,
				SourceID:    serverID,
				Enabled:     true,
			})
		}
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
