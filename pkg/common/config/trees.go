package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TreeNames maps a git repository URL to its canonical tree name.
type TreeNames map[string]string

type treesFile struct {
	Trees map[string]struct {
		URL string `yaml:"url"`
	} `yaml:"trees"`
}

// LoadTreeNames reads a trees YAML file of the form
//
//	trees:
//	  mainline:
//	    url: https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git
//
// An empty path yields an empty map.
func LoadTreeNames(path string) (TreeNames, error) {
	if path == "" {
		return TreeNames{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trees file: %w", err)
	}
	return ParseTreeNames(data)
}

func ParseTreeNames(data []byte) (TreeNames, error) {
	var tf treesFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing trees file: %w", err)
	}
	keys := make([]string, 0, len(tf.Trees))
	for name := range tf.Trees {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	names := make(TreeNames, len(tf.Trees))
	for _, name := range keys {
		url := strings.TrimSpace(tf.Trees[name].URL)
		if url == "" {
			continue
		}
		if prev, dup := names[url]; dup {
			return nil, fmt.Errorf("parsing trees file: %s is used by both %q and %q", url, prev, name)
		}
		names[url] = name
	}
	return names, nil
}
