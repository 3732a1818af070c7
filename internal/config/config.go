// Package config parses the master and worker YAML configuration
// files: listen endpoints, the waiting-before-offline grace period,
// the recipe book (JOB_COMMAND_<id> entries), and the worker-side
// identity/connection keys.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Totoro-Yes/VerManager/internal/recipe"
)

// ErrNoConfig is returned when no config file is found.
var ErrNoConfig = errors.New("no config file found")

// jobCommandPrefix is the recipe-entry key prefix in a master config
// file: "JOB_COMMAND_<cmd_id>" names a recipe for that command id.
const jobCommandPrefix = "JOB_COMMAND_"

// MasterConfig is the parsed master configuration.
type MasterConfig struct {
	// ControlAddr is the control-plane listen endpoint (frames + heartbeats).
	ControlAddr string `yaml:"controlAddr" toml:"controlAddr" json:"controlAddr"`

	// DataPort is the listen endpoint for the dedicated binary DataLink.
	DataPort string `yaml:"dataPort" toml:"dataPort" json:"dataPort"`

	// LogPort is the UDP listen endpoint for the TaskLog channel.
	LogPort string `yaml:"logPort" toml:"logPort" json:"logPort"`

	// WaitingInterval is the grace period before a WAITING worker goes OFFLINE.
	WaitingInterval Duration `yaml:"waitingInterval" toml:"waitingInterval" json:"waitingInterval"`

	// StorageDSN is the SQLite DSN for persisted job/history state.
	StorageDSN string `yaml:"storageDSN" toml:"storageDSN" json:"storageDSN"`

	// PDBLocation is the root directory for the internal/pdb keyed byte store.
	PDBLocation string `yaml:"pdbLocation" toml:"pdbLocation" json:"pdbLocation"`

	// ResultDir is the destination directory finished artifacts are
	// copied into once their task streams the last binary frame.
	ResultDir string `yaml:"resultDir" toml:"resultDir" json:"resultDir"`

	// LogDir is the logger output root. Empty means stderr only.
	LogDir string `yaml:"logDir" toml:"logDir" json:"logDir"`

	// GitlabUrl, PrivateToken, and ProjectID address the external
	// revision-sync collaborator (out of core scope); they are carried
	// here only so an operator has one config file for the fleet.
	GitlabUrl    string `yaml:"gitlabUrl" toml:"gitlabUrl" json:"gitlabUrl"`
	PrivateToken string `yaml:"privateToken" toml:"privateToken" json:"privateToken"`
	ProjectID    string `yaml:"projectID" toml:"projectID" json:"projectID"`

	// TimeZone is the offset the revision-sync collaborator formats
	// commit timestamps with.
	TimeZone string `yaml:"timeZone" toml:"timeZone" json:"timeZone"`

	// Recipes holds every JOB_COMMAND_<id> entry, populated after the
	// fixed fields are decoded (see parseMaster).
	Recipes map[string]recipe.Recipe `yaml:"-" toml:"-" json:"-"`
}

// Book assembles every JOB_COMMAND_<id> entry into a recipe.Book keyed
// by cmd_id (the prefix stripped).
func (c *MasterConfig) Book() recipe.Book {
	book := make(recipe.Book, len(c.Recipes))
	for id, r := range c.Recipes {
		book[id] = r
	}
	return book
}

// Address is a worker's view of a peer's endpoint: its control-plane
// host/port plus the dedicated dataPort and logPort it also listens on.
type Address struct {
	Host     string `yaml:"host" toml:"host" json:"host"`
	Port     string `yaml:"port" toml:"port" json:"port"`
	DataPort string `yaml:"dataPort" toml:"dataPort" json:"dataPort"`
	LogPort  string `yaml:"logPort" toml:"logPort" json:"logPort"`
}

// ControlAddr joins Host/Port into a dial-able "host:port".
func (a Address) ControlAddr() string {
	return net.JoinHostPort(a.Host, a.Port)
}

// DataAddr joins Host/DataPort into a dial-able "host:port" for the
// binary DataLink.
func (a Address) DataAddr() string {
	return net.JoinHostPort(a.Host, a.DataPort)
}

// LogAddr joins Host/LogPort into a dial-able "host:port" for the UDP
// TaskLog channel.
func (a Address) LogAddr() string {
	return net.JoinHostPort(a.Host, a.LogPort)
}

// WorkerConfig is the parsed worker configuration.
type WorkerConfig struct {
	WorkerName     string  `yaml:"WORKER_NAME" toml:"WORKER_NAME" json:"WORKER_NAME"`
	Role           string  `yaml:"ROLE" toml:"ROLE" json:"ROLE"`
	MasterAddress  Address `yaml:"MASTER_ADDRESS" toml:"MASTER_ADDRESS" json:"MASTER_ADDRESS"`
	MergerAddress  Address `yaml:"MERGER_ADDRESS" toml:"MERGER_ADDRESS" json:"MERGER_ADDRESS"`
	MaxTaskCanProc int     `yaml:"MAX_TASK_CAN_PROC" toml:"MAX_TASK_CAN_PROC" json:"MAX_TASK_CAN_PROC"`
	BuildDir       string  `yaml:"BUILD_DIR" toml:"BUILD_DIR" json:"BUILD_DIR"`
	PostDir        string  `yaml:"POST_DIR" toml:"POST_DIR" json:"POST_DIR"`
	RepoURL        string  `yaml:"REPO_URL" toml:"REPO_URL" json:"REPO_URL"`
	ProjectName    string  `yaml:"PROJECT_NAME" toml:"PROJECT_NAME" json:"PROJECT_NAME"`
}

// Duration wraps time.Duration for "30s"-style YAML/TOML/JSON values.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// LoadMaster finds and parses a master config file from dir.
func LoadMaster(dir string) (*MasterConfig, string, error) {
	candidates := []struct {
		name string
		ext  string
	}{
		{"vermand.yaml", "yaml"},
		{"vermand.yml", "yaml"},
		{"vermand.toml", "toml"},
		{"vermand.json", "json"},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		cfg, err := parseMaster(data, c.ext)
		if err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		cfg.applyDefaults()
		return cfg, c.name, nil
	}

	return nil, "", ErrNoConfig
}

func parseMaster(data []byte, ext string) (*MasterConfig, error) {
	cfg := &MasterConfig{Recipes: map[string]recipe.Recipe{}}

	// Decode into a generic map first, so the open-ended JOB_COMMAND_
	// keys can be split out from the fixed fields.
	generic := map[string]any{}

	switch ext {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&generic); err != nil {
			return nil, err
		}
	case "toml":
		if _, err := toml.Decode(string(data), &generic); err != nil {
			return nil, err
		}
	case "json":
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := decodeFixedFields(generic, cfg, ext); err != nil {
		return nil, err
	}

	for key, val := range generic {
		id, ok := cutPrefix(key, jobCommandPrefix)
		if !ok {
			continue
		}
		r, err := decodeRecipe(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		cfg.Recipes[id] = r
	}

	return cfg, nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}

func decodeFixedFields(generic map[string]any, cfg *MasterConfig, ext string) error {
	re, err := remarshal(generic, ext)
	if err != nil {
		return err
	}

	switch ext {
	case "yaml":
		return yaml.Unmarshal(re, cfg)
	case "toml":
		_, err := toml.Decode(string(re), cfg)
		return err
	case "json":
		return json.Unmarshal(re, cfg)
	}
	return nil
}

// remarshal round-trips generic back into the original format's byte
// form, so the fixed-field struct tags can decode it normally.
func remarshal(generic map[string]any, ext string) ([]byte, error) {
	switch ext {
	case "yaml":
		return yaml.Marshal(generic)
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(generic); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "json":
		return json.Marshal(generic)
	}
	return nil, fmt.Errorf("unsupported config format %q", ext)
}

func decodeRecipe(val any) (recipe.Recipe, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return recipe.Recipe{}, err
	}
	var r recipe.Recipe
	if err := json.Unmarshal(data, &r); err != nil {
		return recipe.Recipe{}, err
	}
	return r, nil
}

func (c *MasterConfig) applyDefaults() {
	if c.WaitingInterval == 0 {
		c.WaitingInterval = Duration(300 * time.Second)
	}
	if c.StorageDSN == "" {
		c.StorageDSN = ":memory:"
	}
	if c.PDBLocation == "" {
		c.PDBLocation = "pdb"
	}
	if c.ResultDir == "" {
		c.ResultDir = "result"
	}
}

// LoadWorker finds and parses a worker config file from dir.
func LoadWorker(dir string) (*WorkerConfig, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *WorkerConfig) error
	}{
		{"vermanworker.yaml", parseWorkerYAML},
		{"vermanworker.yml", parseWorkerYAML},
		{"vermanworker.toml", parseWorkerTOML},
		{"vermanworker.json", parseWorkerJSON},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var cfg WorkerConfig
		if err := c.parser(data, &cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, c.name, fmt.Errorf("validate %s: %w", c.name, err)
		}
		cfg.applyDefaults()
		return &cfg, c.name, nil
	}

	return nil, "", ErrNoConfig
}

func parseWorkerYAML(data []byte, cfg *WorkerConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func parseWorkerTOML(data []byte, cfg *WorkerConfig) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseWorkerJSON(data []byte, cfg *WorkerConfig) error {
	return json.Unmarshal(data, cfg)
}

// Validate checks the worker config for required fields.
func (c *WorkerConfig) Validate() error {
	if c.WorkerName == "" {
		return errors.New("WORKER_NAME is required")
	}
	if c.Role != "NORMAL" && c.Role != "MERGER" {
		return fmt.Errorf("ROLE must be NORMAL or MERGER, got %q", c.Role)
	}
	if c.MasterAddress.Host == "" {
		return errors.New("MASTER_ADDRESS.host is required")
	}
	return nil
}

func (c *WorkerConfig) applyDefaults() {
	if c.MaxTaskCanProc == 0 {
		c.MaxTaskCanProc = 1
	}
}
