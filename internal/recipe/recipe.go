// Package recipe loads and preprocesses build recipes: a Build (command
// list + output path) or a BuildSet (several Builds plus a Merge), keyed
// by cmd-id, with macro substitution over <version>/<datetime>/<extra>
// and the guarded <a?b> form.
package recipe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoRecipe is returned when a recipe file can't be found.
var ErrNoRecipe = errors.New("recipe: no recipe file found")

// Build is a single build step: a command list and the path to the
// artifact it produces.
type Build struct {
	Ident string   `yaml:"ident" toml:"ident" json:"ident"`
	Cmds  []string `yaml:"cmds" toml:"cmds" json:"cmds"`
	Out   string   `yaml:"output" toml:"output" json:"output"`
}

// Merge is the post-processing step of a BuildSet: a command list run
// once all of the BuildSet's fragments have arrived, plus the output path
// of the merged artifact.
type Merge struct {
	Cmds []string `yaml:"cmds" toml:"cmds" json:"cmds"`
	Out  string   `yaml:"output" toml:"output" json:"output"`
}

// Recipe is either a Build (Builds empty) or a BuildSet (Builds non-empty,
// Merge set).
type Recipe struct {
	// Build is used when this recipe is a plain Build (no Builds key).
	Build Build `yaml:"build" toml:"build" json:"build"`

	// Builds, when present, makes this a BuildSet: one Single task per
	// entry plus one Post task running Merge.
	Builds []Build `yaml:"Builds" toml:"Builds" json:"Builds"`
	Merge  Merge   `yaml:"merge" toml:"merge" json:"merge"`
}

// IsBuildSet reports whether this recipe has a Builds key.
func (r Recipe) IsBuildSet() bool {
	return len(r.Builds) > 0
}

// Book is the full set of recipes, keyed by cmd-id (the config's
// JOB_COMMAND_<id> suffix).
type Book map[string]Recipe

// Load reads a recipe book from dir, trying YAML then TOML then JSON
// candidate filenames in turn, mirroring the config loader's
// try-candidates pattern.
func Load(dir string) (Book, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Book) error
	}{
		{"recipes.yaml", parseYAML},
		{"recipes.yml", parseYAML},
		{"recipes.toml", parseTOML},
		{"recipes.json", parseJSON},
	}

	for _, c := range candidates {
		path := dir + "/" + c.name
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var book Book
		if err := c.parser(data, &book); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		return book, c.name, nil
	}

	return nil, "", ErrNoRecipe
}

func parseYAML(data []byte, b *Book) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(b)
}

func parseTOML(data []byte, b *Book) error {
	_, err := toml.Decode(string(data), b)
	return err
}

func parseJSON(data []byte, b *Book) error {
	return json.Unmarshal(data, b)
}
