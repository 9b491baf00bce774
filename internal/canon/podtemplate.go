package canon

import (
	"sort"
	"strings"
)

// canonicalizeTemplate strips a single pod-template map in place: default
// service-account references, control-plane-synthesized token volumes,
// per-container ports (stripped again at replay time, see internal/replay;
// kept in sync here so the content hash matches what replay actually runs),
// normalized image-pull-secret ordering, and any embedded status block.
func canonicalizeTemplate(tmpl map[string]interface{}) {
	delete(tmpl, "status")

	spec, ok := tmpl["spec"].(map[string]interface{})
	if !ok {
		return
	}

	delete(spec, "nodeName")
	delete(spec, "serviceAccount")
	if sa, _ := spec["serviceAccountName"].(string); sa == "" || sa == "default" {
		delete(spec, "serviceAccountName")
	}

	if vols, ok := spec["volumes"].([]interface{}); ok {
		spec["volumes"] = filterTokenVolumes(vols)
	}

	for _, key := range []string{"containers", "initContainers"} {
		containers, ok := spec[key].([]interface{})
		if !ok {
			continue
		}
		for _, c := range containers {
			container, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			if mounts, ok := container["volumeMounts"].([]interface{}); ok {
				container["volumeMounts"] = filterTokenVolumeMounts(mounts)
			}
			delete(container, "ports")
		}
	}

	normalizeImagePullSecrets(spec)
}

// filterTokenVolumes drops volumes whose name starts with the synthesized
// service-account-token prefix.
func filterTokenVolumes(vols []interface{}) []interface{} {
	out := make([]interface{}, 0, len(vols))
	for _, v := range vols {
		vol, ok := v.(map[string]interface{})
		if !ok {
			out = append(out, v)
			continue
		}
		name, _ := vol["name"].(string)
		if strings.HasPrefix(name, kubeAPIAccessVolumePrefix) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// filterTokenVolumeMounts drops volumeMounts referencing a synthesized
// service-account-token volume.
func filterTokenVolumeMounts(mounts []interface{}) []interface{} {
	out := make([]interface{}, 0, len(mounts))
	for _, m := range mounts {
		mount, ok := m.(map[string]interface{})
		if !ok {
			out = append(out, m)
			continue
		}
		name, _ := mount["name"].(string)
		if strings.HasPrefix(name, kubeAPIAccessVolumePrefix) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// normalizeImagePullSecrets sorts pull secrets by name so that list-order
// noise introduced by default-service-account injection doesn't affect the
// content hash.
func normalizeImagePullSecrets(spec map[string]interface{}) {
	secrets, ok := spec["imagePullSecrets"].([]interface{})
	if !ok {
		return
	}
	sort.Slice(secrets, func(i, j int) bool {
		si, _ := secrets[i].(map[string]interface{})
		sj, _ := secrets[j].(map[string]interface{})
		ni, _ := si["name"].(string)
		nj, _ := sj["name"].(string)
		return ni < nj
	})
	spec["imagePullSecrets"] = secrets
}

// dropEmptyCollections recursively removes map entries whose value is an
// empty map, empty slice, or nil, so that e.g. stripping every volume from a
// template leaves no dangling `volumes: []`. Applied as the final pass over
// the whole canonical object to keep canonicalize idempotent.
func dropEmptyCollections(node interface{}) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, val := range v {
			dropEmptyCollections(val)
			if isEmptyValue(val) {
				delete(v, key)
			}
		}
	case []interface{}:
		for _, val := range v {
			dropEmptyCollections(val)
		}
	}
}

func isEmptyValue(val interface{}) bool {
	switch v := val.(type) {
	case nil:
		return true
	case map[string]interface{}:
		return len(v) == 0
	case []interface{}:
		return len(v) == 0
	default:
		return false
	}
}
