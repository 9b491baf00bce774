package config

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"

	"github.com/kubeadapt/clustersim/internal/k8sutil"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// TrackedObjectConfig describes how one tracked kind should be canonicalized:
// where its pod templates live, and whether pod lifecycles owned by it
// should be recorded.
type TrackedObjectConfig struct {
	PodSpecTemplatePaths []string `yaml:"podSpecTemplatePaths"`
	TrackLifecycle       bool     `yaml:"trackLifecycle"`
}

// trackerConfigFile is the on-disk YAML shape: a map of GVK strings to
// their tracked-object config.
type trackerConfigFile struct {
	TrackedObjects map[string]TrackedObjectConfig `yaml:"trackedObjects"`
}

// TrackerConfig is the parsed, GVK-keyed form of the tracker config file.
// It is also the `config` field embedded verbatim in every exported trace,
// so that a trace is self-describing about which paths were canonicalized.
type TrackerConfig struct {
	TrackedObjects map[schema.GroupVersionKind]TrackedObjectConfig
}

// LoadTrackerConfig reads and parses the tracker config YAML file at path.
// A malformed GVK key or unreadable file is a ConfigInvalid condition,
// fatal at startup.
func LoadTrackerConfig(path string) (TrackerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TrackerConfig{}, fmt.Errorf("read tracker config %s: %w", path, err)
	}
	return ParseTrackerConfig(data)
}

// ParseTrackerConfig parses tracker config YAML from an in-memory buffer.
func ParseTrackerConfig(data []byte) (TrackerConfig, error) {
	var file trackerConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return TrackerConfig{}, fmt.Errorf("parse tracker config: %w", err)
	}

	cfg := TrackerConfig{TrackedObjects: make(map[schema.GroupVersionKind]TrackedObjectConfig, len(file.TrackedObjects))}
	for key, obj := range file.TrackedObjects {
		gvk, err := k8sutil.ParseGVK(key)
		if err != nil {
			return TrackerConfig{}, fmt.Errorf("tracker config: %w", err)
		}
		if len(obj.PodSpecTemplatePaths) == 0 {
			return TrackerConfig{}, fmt.Errorf("tracker config: %s has no podSpecTemplatePaths", key)
		}
		cfg.TrackedObjects[gvk] = obj
	}
	return cfg, nil
}

// PodSpecTemplatePaths returns the configured template paths for gvk, or nil
// if gvk is not tracked (or has no templates, e.g. a pure data resource).
func (c TrackerConfig) PodSpecTemplatePaths(gvk schema.GroupVersionKind) []string {
	return c.TrackedObjects[gvk].PodSpecTemplatePaths
}

// TrackLifecycleFor reports whether pods owned by gvk should have their
// lifecycle recorded.
func (c TrackerConfig) TrackLifecycleFor(gvk schema.GroupVersionKind) bool {
	return c.TrackedObjects[gvk].TrackLifecycle
}

// IsTracked reports whether gvk appears in the tracker config at all.
func (c TrackerConfig) IsTracked(gvk schema.GroupVersionKind) bool {
	_, ok := c.TrackedObjects[gvk]
	return ok
}

// Kinds returns the configured GVKs in no particular order.
func (c TrackerConfig) Kinds() []schema.GroupVersionKind {
	kinds := make([]schema.GroupVersionKind, 0, len(c.TrackedObjects))
	for gvk := range c.TrackedObjects {
		kinds = append(kinds, gvk)
	}
	return kinds
}

// MarshalYAML renders TrackerConfig back into the on-disk shape; used when
// round-tripping the config embedded in an exported trace for inspection.
func (c TrackerConfig) MarshalYAML() (interface{}, error) {
	file := trackerConfigFile{TrackedObjects: make(map[string]TrackedObjectConfig, len(c.TrackedObjects))}
	for gvk, obj := range c.TrackedObjects {
		file.TrackedObjects[k8sutil.FormatGVK(gvk)] = obj
	}
	return file, nil
}

// MarshalCBOR encodes TrackerConfig the same way MarshalYAML renders it:
// GVKs flattened to their string form, since schema.GroupVersionKind isn't a
// CBOR map key a decoder on the other end can rely on. This is the form
// embedded in every exported trace's tracker_config field.
func (c TrackerConfig) MarshalCBOR() ([]byte, error) {
	flat := make(map[string]TrackedObjectConfig, len(c.TrackedObjects))
	for gvk, obj := range c.TrackedObjects {
		flat[k8sutil.FormatGVK(gvk)] = obj
	}
	return cbor.Marshal(flat)
}

// UnmarshalCBOR reverses MarshalCBOR, rejecting any key that doesn't parse
// as a GVK.
func (c *TrackerConfig) UnmarshalCBOR(data []byte) error {
	var flat map[string]TrackedObjectConfig
	if err := cbor.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("unmarshal tracker config: %w", err)
	}
	c.TrackedObjects = make(map[schema.GroupVersionKind]TrackedObjectConfig, len(flat))
	for key, obj := range flat {
		gvk, err := k8sutil.ParseGVK(key)
		if err != nil {
			return fmt.Errorf("unmarshal tracker config: %w", err)
		}
		c.TrackedObjects[gvk] = obj
	}
	return nil
}
