package stagehand

import (
	"errors"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/stagehand-cms/stagehand/pkg/menutree"
	"github.com/stagehand-cms/stagehand/pkg/publish"
	"github.com/stagehand-cms/stagehand/pkg/transfer"
)

// Config configures an engine instance. Only Paths[0] is used at the
// moment; future versions may spread collections over multiple paths.
type Config struct {
	// Paths contains data directories for the embedded store.
	Paths []string `yaml:"paths"`
	// MinimumFreeGB is a free-space threshold checked on open.
	MinimumFreeGB int `yaml:"minimum_free_gb"`

	// IgnoredKeys lists config keys that bypass workspace overlays. A
	// trailing `*` matches a whole prefix; `foo.` is shorthand for `foo.*`.
	IgnoredKeys []string `yaml:"ignored_keys"`

	// MaxTreeDepth caps menu tree nesting. Defaults to 9.
	MaxTreeDepth int `yaml:"max_tree_depth"`
	// TreeCollection is the overlay collection menu trees live in.
	TreeCollection string `yaml:"tree_collection"`

	// TransferSecret keys transfer tokens and bundle hashes. Both sides of
	// a transfer must share it.
	TransferSecret string `yaml:"transfer_secret"`
	// TokenMaxAge bounds transfer token validity. Defaults to 10s.
	TokenMaxAge time.Duration `yaml:"token_max_age"`
	// AssetDir is where binary assets live locally.
	AssetDir string `yaml:"asset_dir"`
	// DropDir is where the receiver parks uploaded bundles.
	DropDir string `yaml:"drop_dir"`
	// Backend selects the deployment target: noop, http or dir.
	Backend string `yaml:"backend"`
	// RemoteEndpoint is the receiver base URL for the http backend.
	RemoteEndpoint string `yaml:"remote_endpoint"`
	// DeployDir is the target directory for the dir backend.
	DeployDir string `yaml:"deploy_dir"`

	// SquashDelay is how long superseded revisions are kept after a
	// publish. SquashInterval is how often the cleaner runs; 0 disables it.
	SquashDelay    time.Duration `yaml:"squash_delay"`
	SquashInterval time.Duration `yaml:"squash_interval"`

	// Logger is optional. If nil, a stderr logger is used.
	Logger *logrus.Logger `yaml:"-"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	var conf Config
	data, err := os.ReadFile(path)
	if err != nil {
		return conf, err
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, err
	}
	return conf, nil
}

func (c *Config) checkConfig() error {
	if len(c.Paths) == 0 {
		return errors.New("no data path provided in configuration")
	}
	if c.Backend == "http" && c.RemoteEndpoint == "" {
		return errors.New("http backend configured without remote_endpoint")
	}
	if c.Backend == "dir" && c.DeployDir == "" {
		return errors.New("dir backend configured without deploy_dir")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.MaxTreeDepth <= 0 {
		c.MaxTreeDepth = menutree.DefaultMaxDepth
	}
	if c.TreeCollection == "" {
		c.TreeCollection = menutree.DefaultCollection
	}
	if c.TokenMaxAge <= 0 {
		c.TokenMaxAge = transfer.DefaultTokenMaxAge
	}
	if c.SquashDelay <= 0 {
		c.SquashDelay = publish.DefaultSquashDelay
	}
}
