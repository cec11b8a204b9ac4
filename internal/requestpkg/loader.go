package requestpkg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/storetalon/storetalon/internal/orchestrator"
)

// LoadDir reads every *.yaml / *.yml file in dir as one Set, in file name
// order. A missing directory yields no sets.
func LoadDir(dir string) ([]Set, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, m...)
	}
	if len(files) == 0 {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		} else if err != nil {
			return nil, fmt.Errorf("request packages %s: %w", dir, err)
		}
	}
	sort.Strings(files)

	sets := make([]Set, 0, len(files))
	for _, file := range files {
		set, err := loadSet(file)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func loadSet(file string) (Set, error) {
	var set Set
	data, err := os.ReadFile(file)
	if err != nil {
		return set, err
	}
	if err := yaml.Unmarshal(data, &set); err != nil {
		return set, fmt.Errorf("%s: %w", file, err)
	}
	if set.Agent == "" {
		return set, fmt.Errorf("%s: agent is required", file)
	}
	actions := make(map[string]bool, len(set.Packages))
	for i, p := range set.Packages {
		switch {
		case p.Action == "":
			return set, fmt.Errorf("%s: packages[%d]: action is required", file, i)
		case actions[p.Action]:
			return set, fmt.Errorf("%s: duplicate action %q", file, p.Action)
		}
		actions[p.Action] = true
	}
	return set, nil
}

// Register adds one provider per set to the registry.
func Register(registry *orchestrator.Registry, sets []Set) error {
	for _, set := range sets {
		err := registry.Register(ToCapability(set), NewProvider(set.Agent, set.Packages))
		if err != nil {
			return fmt.Errorf("request packages for %s: %w", set.Agent, err)
		}
	}
	return nil
}
