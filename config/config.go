package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"commentsync/logger"
	"commentsync/models"

	"github.com/spf13/viper"
)

type DefaultPaths struct {
	ConfigDir    string
	LogPathApp   string
	LogPathProxy string
	CACertPath   string
	CAKeyPath    string
	LogLevel     string
}

// URLPattern maps a page URL regular expression to a resource type. The
// first capture group is the resource id; a second group, when present, is
// the group id.
type URLPattern struct {
	Type    string `mapstructure:"type"`
	Pattern string `mapstructure:"pattern"`
}

type Selectors struct {
	Container   string `mapstructure:"container"`
	Item        string `mapstructure:"item"`
	ItemMarker  string `mapstructure:"item_marker"`
	SortLabel   string `mapstructure:"sort_label"`
	IDAttribute string `mapstructure:"id_attribute"`
}

type CredentialKeys struct {
	CSRFMetaNames   []string `mapstructure:"csrf_meta_names"`
	StorageKeys     []string `mapstructure:"storage_keys"`
	CookieNames     []string `mapstructure:"cookie_names"`
	JSONTokenFields []string `mapstructure:"json_token_fields"`
}

type SyncSettings struct {
	NavPollInterval     time.Duration `mapstructure:"nav_poll_interval"`
	NavSettleDelay      time.Duration `mapstructure:"nav_settle_delay"`
	DOMPollInterval     time.Duration `mapstructure:"dom_poll_interval"`
	DOMReadyTimeout     time.Duration `mapstructure:"dom_ready_timeout"`
	CredentialRetryWait time.Duration `mapstructure:"credential_retry_wait"`
	CredentialRetries   int           `mapstructure:"credential_retries"`
	NetworkRetryWait    time.Duration `mapstructure:"network_retry_wait"`
	NetworkRetries      int           `mapstructure:"network_retries"`
	SnapshotMaxAge      time.Duration `mapstructure:"snapshot_max_age"`
	MinPageSize         int           `mapstructure:"min_page_size"`
	PageHeadroom        int           `mapstructure:"page_headroom"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
}

type Configuration struct {
	Server struct {
		Port    string `mapstructure:"port"`
		LogPath string `mapstructure:"log_path"`
	} `mapstructure:"server"`
	Proxy struct {
		Port         string   `mapstructure:"port"`
		CACertPath   string   `mapstructure:"ca_cert_path"`
		CAKeyPath    string   `mapstructure:"ca_key_path"`
		LogPath      string   `mapstructure:"log_path"`
		MitmHosts    []string `mapstructure:"mitm_hosts"`
		InjectBridge bool     `mapstructure:"inject_bridge"`
	} `mapstructure:"proxy"`
	Bridge struct {
		Path      string `mapstructure:"path"`
		PublicURL string `mapstructure:"public_url"`
	} `mapstructure:"bridge"`
	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
	Site struct {
		APIEndpoint  string       `mapstructure:"api_endpoint"`
		EndpointPath string       `mapstructure:"endpoint_path"`
		ClientType   string       `mapstructure:"client_type"`
		QueryFile    string       `mapstructure:"query_file"`
		URLPatterns  []URLPattern `mapstructure:"url_patterns"`
	} `mapstructure:"site"`
	Selectors   Selectors         `mapstructure:"selectors"`
	Credentials CredentialKeys    `mapstructure:"credentials"`
	Sync        SyncSettings      `mapstructure:"sync"`
	SortLabels  map[string]string `mapstructure:"sort_labels"`
}

var AppConfig Configuration

func expandTilde(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

func GetDefaultConfigPaths() DefaultPaths {
	var paths DefaultPaths
	userConfigDirBase, err := os.UserConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not get user config dir: %v. Using current directory.\n", err)
		userConfigDirBase = "."
	}

	paths.ConfigDir = filepath.Join(userConfigDirBase, "commentsync")
	logDir := filepath.Join(paths.ConfigDir, "logs")

	paths.LogPathApp = filepath.Join(logDir, "app.log")
	paths.LogPathProxy = filepath.Join(logDir, "proxy.log")
	paths.CACertPath = filepath.Join(paths.ConfigDir, "commentsync-ca.crt")
	paths.CAKeyPath = filepath.Join(paths.ConfigDir, "commentsync-ca.key")
	paths.LogLevel = "INFO"
	return paths
}

func setDefaults(v *viper.Viper, defaults DefaultPaths) {
	v.SetDefault("server.port", "8778")
	v.SetDefault("server.log_path", defaults.LogPathApp)
	v.SetDefault("proxy.port", "8777")
	v.SetDefault("proxy.ca_cert_path", defaults.CACertPath)
	v.SetDefault("proxy.ca_key_path", defaults.CAKeyPath)
	v.SetDefault("proxy.log_path", defaults.LogPathProxy)
	v.SetDefault("proxy.mitm_hosts", []string{"playentry.org"})
	v.SetDefault("proxy.inject_bridge", true)
	v.SetDefault("bridge.path", "/bridge")
	v.SetDefault("bridge.public_url", "ws://127.0.0.1:8778/bridge")
	v.SetDefault("logging.level", defaults.LogLevel)

	v.SetDefault("site.api_endpoint", "https://playentry.org/graphql/SELECT_COMMENTS")
	v.SetDefault("site.endpoint_path", "/graphql/SELECT_COMMENTS")
	v.SetDefault("site.client_type", "Client")
	v.SetDefault("site.query_file", "")
	v.SetDefault("site.url_patterns", []map[string]string{
		{"type": "project", "pattern": `^https://playentry\.org/project/([a-f0-9]+)$`},
		{"type": "qna", "pattern": `^https://playentry\.org/community/qna/([a-f0-9]+)$`},
		{"type": "tips", "pattern": `^https://playentry\.org/community/tips/([a-f0-9]+)$`},
		{"type": "groupCommunity", "pattern": `^https://playentry\.org/group/community/([a-f0-9]+)/([a-f0-9]+)`},
	})

	v.SetDefault("selectors.container", ".css-1m3ba66.e1fqckzt0")
	v.SetDefault("selectors.item", "li.css-zdw2xm.e19b9x4q0")
	v.SetDefault("selectors.item_marker", "css-zdw2xm")
	v.SetDefault("selectors.sort_label", ".css-2hcz3y.erhmwsd0 span")
	v.SetDefault("selectors.id_attribute", "data-post-id")

	v.SetDefault("credentials.csrf_meta_names", []string{"csrf-token", "_token"})
	v.SetDefault("credentials.storage_keys", []string{"entryToken", "token", "authToken", "access_token"})
	v.SetDefault("credentials.cookie_names", []string{"token", "x-token", "authToken", "access_token"})
	v.SetDefault("credentials.json_token_fields", []string{"token", "access_token", "accessToken"})

	v.SetDefault("sync.nav_poll_interval", time.Second)
	v.SetDefault("sync.nav_settle_delay", 500*time.Millisecond)
	v.SetDefault("sync.dom_poll_interval", 500*time.Millisecond)
	v.SetDefault("sync.dom_ready_timeout", 30*time.Second)
	v.SetDefault("sync.credential_retry_wait", time.Second)
	v.SetDefault("sync.credential_retries", 3)
	v.SetDefault("sync.network_retry_wait", 2*time.Second)
	v.SetDefault("sync.network_retries", 2)
	v.SetDefault("sync.snapshot_max_age", 10*time.Second)
	v.SetDefault("sync.min_page_size", 5)
	v.SetDefault("sync.page_headroom", 5)
	v.SetDefault("sync.request_timeout", 15*time.Second)

	v.SetDefault("sort_labels", map[string]string{
		"최신순":    "created:-1",
		"등록순":    "created:1",
		"좋아요순":   "likesLength:-1",
		"latest": "created:-1",
		"oldest": "created:1",
		"likes":  "likesLength:-1",
	})
}

// Default returns the built-in configuration without reading files or the
// environment.
func Default() Configuration {
	v := viper.New()
	setDefaults(v, GetDefaultConfigPaths())
	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: built-in defaults do not decode: %v", err))
	}
	return cfg
}

func Init(cfgFile string, flagAppLogPath, flagProxyLogPath, flagLogLevel string) error {
	v := viper.New()

	defaults := GetDefaultConfigPaths()
	setDefaults(v, defaults)

	if cfgFile != "" {
		expandedCfgFile, err := expandTilde(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in config file path '%s': %v. Trying original path.\n", cfgFile, err)
			expandedCfgFile = cfgFile
		}
		v.SetConfigFile(expandedCfgFile)
		v.SetConfigType("yaml")
	} else {
		v.AddConfigPath(defaults.ConfigDir)
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("COMMENTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	configUsedMsg := "Using default/environment configuration."
	readErr := v.ReadInConfig()
	if readErr == nil {
		configUsedMsg = fmt.Sprintf("Using config file: %s", v.ConfigFileUsed())
	} else {
		if _, ok := readErr.(viper.ConfigFileNotFoundError); ok {
			if cfgFile != "" {
				fmt.Fprintf(os.Stderr, "Warning: Config file specified by flag (%s) not found: %v\n", cfgFile, readErr)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error reading config file %s: %v\n", v.ConfigFileUsed(), readErr)
		}
	}

	if err := v.Unmarshal(&AppConfig); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Error unmarshalling configuration: %v\n", err)
		return fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if flagAppLogPath != "" {
		AppConfig.Server.LogPath = flagAppLogPath
	}
	if flagProxyLogPath != "" {
		AppConfig.Proxy.LogPath = flagProxyLogPath
	}
	if flagLogLevel != "" {
		AppConfig.Logging.Level = strings.ToUpper(flagLogLevel)
	}

	for _, p := range []*string{&AppConfig.Server.LogPath, &AppConfig.Proxy.LogPath, &AppConfig.Proxy.CACertPath, &AppConfig.Proxy.CAKeyPath, &AppConfig.Site.QueryFile} {
		expanded, err := expandTilde(*p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in '%s': %v.\n", *p, err)
			continue
		}
		*p = expanded
	}

	if err := os.MkdirAll(defaults.ConfigDir, 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not create main config directory %s: %v\n", defaults.ConfigDir, err)
	}

	if err := logger.InitGlobalLoggers(AppConfig.Server.LogPath, AppConfig.Proxy.LogPath, AppConfig.Logging.Level); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to initialize global loggers with final config: %v\n", err)
		return fmt.Errorf("failed to initialize global loggers with final config: %w", err)
	}

	logger.Info(configUsedMsg)
	if readErr != nil && cfgFile != "" {
		logger.Error("Error occurred reading specified config file '%s': %v", cfgFile, readErr)
	}
	if err := AppConfig.Validate(); err != nil {
		return err
	}

	logger.Debug("Final AppConfig Initialized: %+v", AppConfig)
	return nil
}

// Validate checks the parts of the configuration the sync loop cannot run
// without.
func (c Configuration) Validate() error {
	if c.Site.APIEndpoint == "" {
		return fmt.Errorf("config: site.api_endpoint is empty")
	}
	if len(c.Site.URLPatterns) == 0 {
		return fmt.Errorf("config: site.url_patterns is empty")
	}
	if c.Selectors.Container == "" || c.Selectors.Item == "" {
		return fmt.Errorf("config: selectors.container and selectors.item are required")
	}
	if _, err := c.SortTable(); err != nil {
		return err
	}
	return nil
}

// SortTable decodes the sort_labels section ("field:direction" values).
func (c Configuration) SortTable() (map[string]models.SortOption, error) {
	if len(c.SortLabels) == 0 {
		return models.DefaultSortLabels(), nil
	}
	table := make(map[string]models.SortOption, len(c.SortLabels))
	for label, spec := range c.SortLabels {
		opt, err := parseSortSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("config: sort_labels[%q]: %w", label, err)
		}
		table[label] = opt
	}
	return table, nil
}

func parseSortSpec(spec string) (models.SortOption, error) {
	field, dir, ok := strings.Cut(spec, ":")
	if !ok {
		return models.SortOption{}, fmt.Errorf("expected field:direction, got %q", spec)
	}
	var opt models.SortOption
	switch models.SortField(field) {
	case models.SortByCreated, models.SortByLikes:
		opt.Field = models.SortField(field)
	default:
		return models.SortOption{}, fmt.Errorf("unknown sort field %q", field)
	}
	n, err := strconv.Atoi(dir)
	if err != nil || (n != 1 && n != -1) {
		return models.SortOption{}, fmt.Errorf("direction must be 1 or -1, got %q", dir)
	}
	opt.Direction = models.SortDirection(n)
	return opt, nil
}
