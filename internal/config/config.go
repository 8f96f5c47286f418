// internal/config/config.go
package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/gaoqiangz/svn-commit-wt/internal/errors"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DefaultPath is the config file looked up next to the executable's
// working directory when no --config flag is given.
const DefaultPath = "config.toml"

const envPrefix = "SVNWT"

type Config struct {
	HTTP struct {
		Listen string `mapstructure:"listen" validate:"required,hostname_port"`
	} `mapstructure:"http"`

	Log struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	} `mapstructure:"log"`

	Tracker Tracker `mapstructure:"tracker"`

	SVN struct {
		Svnlook       string `mapstructure:"svnlook" validate:"required"`
		Encoding      string `mapstructure:"encoding" validate:"required"`
		DefaultBranch string `mapstructure:"default_branch" validate:"required"`
	} `mapstructure:"svn"`

	Journal struct {
		Path      string `mapstructure:"path" validate:"required"`
		CacheSize int    `mapstructure:"cache_size" validate:"gte=1"`
	} `mapstructure:"journal"`

	Spool struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"spool"`

	Dispatch struct {
		Workers int `mapstructure:"workers" validate:"gte=1"`
	} `mapstructure:"dispatch"`
}

type Tracker struct {
	APIURL             string        `mapstructure:"api_url" validate:"required,url"`
	ProductName        string        `mapstructure:"product_name" validate:"required"`
	ClientID           string        `mapstructure:"client_id" validate:"required"`
	ClientSecret       string        `mapstructure:"client_secret" validate:"required"`
	Timeout            time.Duration `mapstructure:"timeout" validate:"gt=0"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.listen", "127.0.0.1:1086")
	v.SetDefault("log.level", "info")
	v.SetDefault("tracker.api_url", "https://open.worktile.com")
	v.SetDefault("tracker.product_name", "")
	v.SetDefault("tracker.client_id", "")
	v.SetDefault("tracker.client_secret", "")
	v.SetDefault("tracker.timeout", 30*time.Second)
	v.SetDefault("tracker.insecure_skip_verify", false)
	v.SetDefault("svn.svnlook", "svnlook")
	v.SetDefault("svn.encoding", "gbk")
	v.SetDefault("svn.default_branch", "trunk")
	v.SetDefault("journal.path", "data/journal")
	v.SetDefault("journal.cache_size", 256)
	v.SetDefault("spool.dir", "data/spool")
	v.SetDefault("dispatch.workers", 8)
}

// Load reads the config file at path (a missing file is not an error, every
// key has a default or can come from SVNWT_* environment variables) and
// validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation. The post-commit hook uses it: it only
// needs the listen address and the spool directory.
func Read(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) && !stderrors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Validate reports missing credentials or malformed settings as a
// validation error carrying the offending fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return errors.ValidationError("invalid configuration", fields)
		}
		return errors.ValidationError("invalid configuration: "+err.Error(), nil)
	}
	return nil
}
