package registry

import (
	"fmt"

	"github.com/orbital/constel/internal/protocol"
)

// MergeSystemInfo folds a device-reported telemetry block into the profile.
// The merge is idempotent with respect to the latest payload and never
// shrinks the capability set; only explicit administrative operations may
// do that.
func (r *Registry) MergeSystemInfo(deviceID string, info protocol.SystemInfo) error {
	r.mu.Lock()
	p, ok := r.profiles[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
	}

	if info.Platform != "" {
		p.OS = info.Platform
	}
	p.Capabilities = unionPreservingOrder(p.Capabilities, info.SupportedFeatures)

	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	p.Metadata["system_info"] = systemInfoMap(info)
	if info.CustomMetadata != nil {
		p.Metadata["custom_metadata"] = info.CustomMetadata
	}
	if info.Tags != nil {
		p.Metadata["tags"] = append([]string(nil), info.Tags...)
	}
	r.mu.Unlock()

	r.logger.Debug("telemetry merged", "device_id", deviceID,
		"platform", info.Platform, "features", len(info.SupportedFeatures))
	return nil
}

// unionPreservingOrder appends the members of extra that are not already in
// base, keeping first-occurrence order.
func unionPreservingOrder(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, s := range base {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range extra {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// systemInfoMap renders the telemetry block as the JSON-shaped map stored
// under metadata["system_info"], overwriting any prior block wholesale.
func systemInfoMap(info protocol.SystemInfo) map[string]any {
	m := map[string]any{}
	if info.Platform != "" {
		m["platform"] = info.Platform
	}
	if info.OSVersion != "" {
		m["os_version"] = info.OSVersion
	}
	if info.CPUCount > 0 {
		m["cpu_count"] = info.CPUCount
	}
	if info.MemoryTotalGB > 0 {
		m["memory_total_gb"] = info.MemoryTotalGB
	}
	if info.Hostname != "" {
		m["hostname"] = info.Hostname
	}
	if info.IPAddress != "" {
		m["ip_address"] = info.IPAddress
	}
	if len(info.SupportedFeatures) > 0 {
		m["supported_features"] = append([]string(nil), info.SupportedFeatures...)
	}
	if info.PlatformType != "" {
		m["platform_type"] = info.PlatformType
	}
	if info.SchemaVersion != "" {
		m["schema_version"] = info.SchemaVersion
	}
	return m
}
