package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to empdb's components.
type Config struct {
	// Port on which the server accepts connections. 0 lets the OS choose.
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
	// Path to the database file.
	DatabaseFile string `mapstructure:"database_file" validate:"required"`
	// Create a new database file instead of opening an existing one.
	NewFile bool `mapstructure:"new_file"`
	// Maximum number of concurrent connections the server will track.
	MaxConnections int `mapstructure:"max_connections" validate:"gte=1,lte=4096"`
	// Capacity of each connection's read buffer; bounds the size of a single request.
	BufferSize int `mapstructure:"buffer_size" validate:"gte=64,lte=65536"`
	// Maximum number of unsent response bytes queued for a single connection.
	OutboxLimit int `mapstructure:"outbox_limit" validate:"gte=1024"`
	// Length of the kernel's pending connection queue.
	Backlog int `mapstructure:"backlog" validate:"gte=1"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	Archive struct {
		// Where the employee table is mirrored after shutdown. Options: none, sqlite, postgres, badger
		Engine string `mapstructure:"engine" validate:"oneof=none sqlite postgres badger"`
		// Database file used by the sqlite engine.
		SQLiteFile string `mapstructure:"sqlite_file"`
		// Directory used by the badger engine.
		BadgerDir string `mapstructure:"badger_dir"`

		Postgres struct {
			Host     string `mapstructure:"host"`
			Port     int    `mapstructure:"port"`
			Name     string `mapstructure:"name"`
			Username string `mapstructure:"username"`
			Password string `mapstructure:"password"`
			// Set to verify-full if the Postgres instance supports SSL.
			SSLMode string `mapstructure:"sslmode"`
		} `mapstructure:"postgres"`
	} `mapstructure:"archive"`

	Backup struct {
		// Upload the database file to S3-compatible storage after it is flushed.
		Enabled bool   `mapstructure:"enabled"`
		Bucket  string `mapstructure:"bucket"`
		Region  string `mapstructure:"region"`
		// Custom endpoint for MinIO, Localstack, etc.
		Endpoint        string `mapstructure:"endpoint"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
	} `mapstructure:"backup"`

	Debugging struct {
		// Log the contents of every packet sent and received.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
		// Enable database-level query logging for the archive engines.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "EMPDB"

var validate = validator.New()

// flagKeys maps config keys to the command line flags that may override them.
var flagKeys = map[string]string{
	"port":            "port",
	"database_file":   "file",
	"new_file":        "new",
	"max_connections": "max-connections",
	"log_level":       "log-level",
}

// Every key gets a default so that AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 0)
	v.SetDefault("database_file", "")
	v.SetDefault("new_file", false)
	v.SetDefault("max_connections", 256)
	v.SetDefault("buffer_size", 4096)
	v.SetDefault("outbox_limit", 1<<20)
	v.SetDefault("backlog", 10)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file_path", "")

	v.SetDefault("archive.engine", "none")
	v.SetDefault("archive.sqlite_file", "")
	v.SetDefault("archive.badger_dir", "")
	v.SetDefault("archive.postgres.host", "")
	v.SetDefault("archive.postgres.port", 5432)
	v.SetDefault("archive.postgres.name", "")
	v.SetDefault("archive.postgres.username", "")
	v.SetDefault("archive.postgres.password", "")
	v.SetDefault("archive.postgres.sslmode", "disable")

	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.region", "")
	v.SetDefault("backup.endpoint", "")
	v.SetDefault("backup.key_prefix", "empdb")
	v.SetDefault("backup.access_key_id", "")
	v.SetDefault("backup.secret_access_key", "")

	v.SetDefault("debugging.packet_logging_enabled", false)
	v.SetDefault("debugging.database_logging_enabled", false)
}

// LoadConfig builds the Config from defaults, an optional YAML config file, EMPDB_*
// environment variables and any command line flags that were set. An empty configFile
// skips the file entirely.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envVarPrefix)
	// This allows us to set nested yaml config options through environment
	// variables. For example, archive.engine can be set using: EMPDB_ARCHIVE_ENGINE
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	if flags != nil {
		for key, name := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("error binding flag --%s: %w", name, err)
			}
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	config.LogLevel = strings.ToLower(config.LogLevel)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the struct tag constraints and the rules that span several fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("invalid config: %s failed on '%s' (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Archive.Engine {
	case "sqlite":
		if c.Archive.SQLiteFile == "" {
			return errors.New("invalid config: archive.sqlite_file is required for the sqlite engine")
		}
	case "badger":
		if c.Archive.BadgerDir == "" {
			return errors.New("invalid config: archive.badger_dir is required for the badger engine")
		}
	case "postgres":
		if c.Archive.Postgres.Host == "" || c.Archive.Postgres.Name == "" {
			return errors.New("invalid config: archive.postgres.host and archive.postgres.name are required")
		}
	}

	if c.Backup.Enabled && (c.Backup.Bucket == "" || c.Backup.Region == "") {
		return errors.New("invalid config: backup.bucket and backup.region are required when backups are enabled")
	}
	return nil
}

// ListenAddress returns the address the server binds, which is always the wildcard address.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Port)
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the archive's postgres settings.
func (c *Config) DatabaseURL() string {
	pg := c.Archive.Postgres
	return fmt.Sprintf(databaseURITemplate, pg.Host, pg.Port, pg.Name, pg.Username, pg.Password, pg.SSLMode)
}
