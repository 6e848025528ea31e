package classify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCategories is used when no categories file exists.
var DefaultCategories = []string{
	"Groceries",
	"Dining",
	"Transport",
	"Shopping",
	"Subscriptions",
	"Utilities",
	"Housing",
	"Health",
	"Entertainment",
	"Income",
}

// CategoriesPath is the per-user categories file.
func CategoriesPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "moneysync", "categories.json"), nil
}

// LoadCategories reads a JSON array of names. A missing file yields DefaultCategories.
func LoadCategories(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return append([]string(nil), DefaultCategories...), nil
		}
		return nil, err
	}
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return clean(raw), nil
}

// SaveCategories writes names atomically.
func SaveCategories(path string, cats []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(clean(cats), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func clean(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		k := strings.ToLower(c)
		if c == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}
