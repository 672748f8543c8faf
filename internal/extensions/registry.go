package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/agentos-dev/agentos/internal/observability"
	"github.com/agentos-dev/agentos/internal/storage"
	"github.com/agentos-dev/agentos/pkg/models"
)

// Installed pairs a stored extension record with its parsed manifest.
type Installed struct {
	Record   *models.ExtensionRecord
	Manifest *models.ExtensionManifest
}

// Registry is the authority over installed extensions: their records,
// their on-disk directories, and their enablement.
type Registry struct {
	store   storage.ExtensionStore
	configs storage.ExtensionConfigStore
	root    string
	logger  *slog.Logger
}

// NewRegistry creates a registry with extension trees under root
// (typically <home>/.agentos/extensions).
func NewRegistry(store storage.ExtensionStore, configs storage.ExtensionConfigStore, root string) *Registry {
	return &Registry{
		store:   store,
		configs: configs,
		root:    root,
		logger:  observability.Component("extensions"),
	}
}

// Dir returns the install directory for an extension.
func (r *Registry) Dir(extensionID string) string {
	return filepath.Join(r.root, extensionID)
}

// Root returns the registry's base directory.
func (r *Registry) Root() string { return r.root }

// Get returns one installed extension with its manifest.
func (r *Registry) Get(ctx context.Context, extensionID string) (*Installed, error) {
	rec, err := r.store.Get(ctx, extensionID)
	if err != nil {
		return nil, err
	}
	m, err := parseManifest(rec)
	if err != nil {
		return nil, err
	}
	return &Installed{Record: rec, Manifest: m}, nil
}

// List returns every installed extension. Records whose stored manifest
// no longer parses are skipped with a log line.
func (r *Registry) List(ctx context.Context) ([]*Installed, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Installed, 0, len(recs))
	for _, rec := range recs {
		m, err := parseManifest(rec)
		if err != nil {
			r.logger.Warn("stored manifest unparsable, skipping",
				"extension_id", rec.ExtensionID, "error", err)
			continue
		}
		out = append(out, &Installed{Record: rec, Manifest: m})
	}
	return out, nil
}

// ListEnabled returns installed, enabled extensions only. These are the
// extensions whose capabilities surface as tools.
func (r *Registry) ListEnabled(ctx context.Context) ([]*Installed, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, inst := range all {
		if inst.Record.Enabled && inst.Record.Status == models.ExtensionInstalled {
			out = append(out, inst)
		}
	}
	return out, nil
}

// SetEnabled flips enablement. Only INSTALLED extensions can be
// enabled.
func (r *Registry) SetEnabled(ctx context.Context, extensionID string, enabled bool) error {
	rec, err := r.store.Get(ctx, extensionID)
	if err != nil {
		return err
	}
	if enabled && rec.Status != models.ExtensionInstalled {
		return fmt.Errorf("extension %s is %s, only INSTALLED extensions can be enabled",
			extensionID, rec.Status)
	}
	return r.store.SetEnabled(ctx, extensionID, enabled)
}

// Remove deletes the stored record and the extension's directory.
func (r *Registry) Remove(ctx context.Context, extensionID string) error {
	if err := r.store.Delete(ctx, extensionID); err != nil {
		return err
	}
	dir := r.Dir(extensionID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

// SaveConfig persists the extension's configuration blob.
func (r *Registry) SaveConfig(ctx context.Context, extensionID string, config map[string]any) error {
	if _, err := r.store.Get(ctx, extensionID); err != nil {
		return err
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return r.configs.Save(ctx, extensionID, string(raw))
}

// Config loads the extension's configuration blob.
func (r *Registry) Config(ctx context.Context, extensionID string) (map[string]any, error) {
	raw, err := r.configs.Get(ctx, extensionID)
	if err != nil {
		return nil, err
	}
	var config map[string]any
	if err := json.Unmarshal([]byte(raw), &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return config, nil
}

func parseManifest(rec *models.ExtensionRecord) (*models.ExtensionManifest, error) {
	var m models.ExtensionManifest
	if err := json.Unmarshal([]byte(rec.ManifestJSON), &m); err != nil {
		return nil, fmt.Errorf("parse stored manifest: %w", err)
	}
	return &m, nil
}
