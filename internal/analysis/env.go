package analysis

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// LoadEnvFile parses a dotenv file into a map. Keys are uppercased, comment
// and blank lines are skipped, and surrounding single or double quotes on
// values are stripped. A missing file yields an empty map.
func LoadEnvFile(path string) (map[string]string, error) {
	vars := make(map[string]string)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return vars, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		vars[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return vars, nil
}

// SaveEnvFile rewrites a dotenv file with the given variables. Comment and
// blank lines from the existing file are preserved in place; lines whose key
// is no longer present are dropped, and new keys are appended in sorted
// order.
func SaveEnvFile(path string, vars map[string]string) error {
	remaining := make(map[string]string, len(vars))
	for k, v := range vars {
		remaining[strings.ToUpper(k)] = v
	}

	var out []string
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				out = append(out, line)
				continue
			}
			key, _, ok := strings.Cut(trimmed, "=")
			if !ok {
				continue
			}
			key = strings.ToUpper(strings.TrimSpace(key))
			value, keep := remaining[key]
			if !keep {
				continue
			}
			out = append(out, key+"="+value)
			delete(remaining, key)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read env file: %w", err)
	}

	added := make([]string, 0, len(remaining))
	for k := range remaining {
		added = append(added, k)
	}
	sort.Strings(added)
	for _, k := range added {
		out = append(out, k+"="+remaining[k])
	}

	content := ""
	if len(out) > 0 {
		content = strings.Join(out, "\n") + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}

// envSlice converts variables to the KEY=VALUE form os/exec expects.
func envSlice(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
