package models

import (
	"fmt"
	"regexp"
	"time"
)

// ExtensionStatus represents the lifecycle state of an installed
// extension.
type ExtensionStatus string

const (
	ExtensionInstalling ExtensionStatus = "INSTALLING"
	ExtensionInstalled  ExtensionStatus = "INSTALLED"
	ExtensionFailed     ExtensionStatus = "FAILED"
	ExtensionRevoked    ExtensionStatus = "REVOKED"
)

var (
	extensionIDPattern = regexp.MustCompile(`^[a-z0-9_.-]+$`)
	semverPattern      = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
)

// validPermissions is the closed set of permissions an extension may
// request.
var validPermissions = map[string]bool{
	"network":          true,
	"exec":             true,
	"filesystem.read":  true,
	"filesystem.write": true,
}

// validPlatforms is the closed set of platform identifiers.
var validPlatforms = map[string]bool{
	"linux":  true,
	"darwin": true,
	"win32":  true,
	"all":    true,
}

// CapabilityDecl declares one command or tool an extension provides.
type CapabilityDecl struct {
	Command     string   `json:"command" yaml:"command"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	RiskLevel   string   `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`
	SideEffects []string `json:"side_effects,omitempty" yaml:"side_effects,omitempty"`
}

// InstallSpec names the plan file and the managed install mode.
type InstallSpec struct {
	Plan string `json:"plan" yaml:"plan"`
	Mode string `json:"mode" yaml:"mode"`
}

// ExtensionManifest is the declarative description of one extension
// package.
type ExtensionManifest struct {
	ID                  string           `json:"id" yaml:"id"`
	Version             string           `json:"version" yaml:"version"`
	Name                string           `json:"name" yaml:"name"`
	Description         string           `json:"description,omitempty" yaml:"description,omitempty"`
	Capabilities        []CapabilityDecl `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	PermissionsRequired []string         `json:"permissions_required,omitempty" yaml:"permissions_required,omitempty"`
	Platforms           []string         `json:"platforms,omitempty" yaml:"platforms,omitempty"`
	Install             InstallSpec      `json:"install" yaml:"install"`
}

// Validate checks the manifest against the closed field sets.
func (m *ExtensionManifest) Validate() error {
	if m.ID == "" || !extensionIDPattern.MatchString(m.ID) {
		return fmt.Errorf("extension id %q must match [a-z0-9_.-]+", m.ID)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("extension version %q is not semver", m.Version)
	}
	if m.Name == "" {
		return fmt.Errorf("extension name is required")
	}
	for _, p := range m.PermissionsRequired {
		if !validPermissions[p] {
			return fmt.Errorf("unknown permission %q", p)
		}
	}
	for _, p := range m.Platforms {
		if !validPlatforms[p] {
			return fmt.Errorf("unknown platform %q", p)
		}
	}
	if m.Install.Mode != "" && m.Install.Mode != "agentos_managed" {
		return fmt.Errorf("unsupported install mode %q", m.Install.Mode)
	}
	return nil
}

// SupportsPlatform reports whether the manifest declares support for
// the given GOOS-style platform. An empty platform list means all.
func (m *ExtensionManifest) SupportsPlatform(platform string) bool {
	if len(m.Platforms) == 0 {
		return true
	}
	for _, p := range m.Platforms {
		if p == "all" || p == platform {
			return true
		}
	}
	return false
}

// ExtensionRecord is the stored row for one installed extension.
type ExtensionRecord struct {
	ExtensionID  string          `json:"extension_id"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Status       ExtensionStatus `json:"status"`
	Enabled      bool            `json:"enabled"`
	SHA256       string          `json:"sha256,omitempty"`
	Source       string          `json:"source"`
	SourceURL    string          `json:"source_url,omitempty"`
	InstalledAt  time.Time       `json:"installed_at"`
	ManifestJSON string          `json:"manifest_json"`
}

// InstallStatus represents the state of one install run.
type InstallStatus string

const (
	InstallRunning   InstallStatus = "RUNNING"
	InstallCompleted InstallStatus = "COMPLETED"
	InstallFailed    InstallStatus = "FAILED"
)

// InstallRecord tracks one install run's progress.
type InstallRecord struct {
	InstallID   string        `json:"install_id"`
	ExtensionID string        `json:"extension_id"`
	Status      InstallStatus `json:"status"`
	Progress    int           `json:"progress"`
	CurrentStep string        `json:"current_step,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       string        `json:"error,omitempty"`
}
