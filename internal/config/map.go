package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides: store.addr -> GAMMAFLOW_STORE_ADDR.
const EnvPrefix = "GAMMAFLOW_"

// Map is the flat configuration map every tunable is read from.
type Map map[string]string

// LoadMap reads a YAML file of dotted keys (nested mappings are flattened with ".")
// and overlays environment variables for every known key. A missing path yields defaults only.
func LoadMap(path string, lookupEnv func(string) (string, bool)) (Map, error) {
	m := make(Map, len(defaults))
	for k, v := range defaults {
		m[k] = v
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		flatten("", raw, m)
	}

	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	for _, k := range KnownKeys() {
		if v, ok := lookupEnv(EnvName(k)); ok {
			m[k] = v
		}
	}
	return m, nil
}

// EnvName returns the environment variable consulted for key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// KnownKeys lists every key with a default or a requirement, sorted.
func KnownKeys() []string {
	seen := make(map[string]struct{}, len(defaults)+len(required))
	for k := range defaults {
		seen[k] = struct{}{}
	}
	for _, k := range required {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(prefix string, raw map[string]interface{}, out Map) {
	for k, v := range raw {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch tv := v.(type) {
		case map[string]interface{}:
			flatten(key, tv, out)
		case []interface{}:
			parts := make([]string, len(tv))
			for i, item := range tv {
				parts[i] = fmt.Sprint(item)
			}
			out[key] = strings.Join(parts, ",")
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(tv)
		}
	}
}
