// Package config loads and validates the agent's configuration from CLI
// flags, environment variables and an optional YAML file, in that
// precedence order. All validation happens here so a misconfigured agent
// dies at startup, before touching the NVR or the remote.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-protect-backup/internal/notify"
	"github.com/technosupport/ts-protect-backup/internal/pathformat"
	"github.com/technosupport/ts-protect-backup/internal/units"
)

// ExitCodeConfig is the process exit code for configuration errors,
// distinguishable from crash-loop restarts by process supervisors.
const ExitCodeConfig = 200

// ValidDetectionTypes are the event types the NVR can emit that this agent
// knows how to back up.
var ValidDetectionTypes = []string{"motion", "person", "vehicle", "ring", "line"}

// CLI is the kong grammar. Durations and sizes stay strings here and are
// parsed by Build, which owns every validation rule.
type CLI struct {
	Address   string `name:"address" env:"UFP_ADDRESS" required:"" help:"Address of the UniFi Protect instance."`
	Port      int    `name:"port" env:"UFP_PORT" default:"443" help:"Port of the UniFi Protect instance."`
	Username  string `name:"username" env:"UFP_USERNAME" required:"" help:"Username to login to the UniFi Protect instance."`
	Password  string `name:"password" env:"UFP_PASSWORD" required:"" help:"Password for the UniFi Protect user."`
	VerifySSL bool   `name:"verify-ssl" env:"UFP_SSL_VERIFY" default:"true" negatable:"" help:"Verify the NVR's TLS certificate."`

	RcloneDestination string `name:"rclone-destination" env:"RCLONE_DESTINATION" required:"" help:"rclone destination path for clips, e.g. \"gdrive:/backups\"."`
	Retention         string `name:"retention" env:"RCLONE_RETENTION" default:"7d" help:"How long clips are kept on the remote."`
	RcloneArgs        string `name:"rclone-args" env:"RCLONE_ARGS" help:"Extra arguments passed to rclone when uploading."`
	RclonePurgeArgs   string `name:"rclone-purge-args" env:"RCLONE_PURGE_ARGS" help:"Extra arguments passed to rclone when deleting."`

	DetectionTypes []string `name:"detection-types" env:"DETECTION_TYPES" default:"motion,person,vehicle,ring,line" help:"Detection types to back up."`
	IgnoreCameras  []string `name:"ignore-camera" env:"IGNORE_CAMERAS" help:"Camera IDs to never back up. Repeatable."`
	Cameras        []string `name:"camera" env:"CAMERAS" help:"When set, only these camera IDs are backed up. Repeatable."`

	FileStructureFormat string `name:"file-structure-format" env:"FILE_STRUCTURE_FORMAT" default:"${default_template}" help:"Path template for uploaded clips."`
	SqlitePath          string `name:"sqlite-path" env:"SQLITE_PATH" default:"./events.sqlite" help:"Path of the upload ledger database file."`

	DownloadBufferSize string  `name:"download-buffer-size" env:"DOWNLOAD_BUFFER_SIZE" default:"512MiB" help:"Memory budget for clips in flight between download and upload."`
	DownloadRateLimit  float64 `name:"download-rate-limit" env:"DOWNLOAD_RATELIMIT" default:"0" help:"Maximum clip downloads per minute. 0 disables the limit."`
	PurgeInterval      string  `name:"purge-interval" env:"PURGE_INTERVAL" default:"1d" help:"How often the retention purge runs."`
	MissingInterval    string  `name:"missing-interval" env:"MISSING_INTERVAL" default:"5m" help:"How often to scan the NVR for missed events."`
	MissingRange       string  `name:"missing-range" env:"MISSING_RANGE" default:"" help:"How far back the missed-event scan looks. Defaults to the retention period."`
	MaxEventLength     string  `name:"max-event-length" env:"MAX_EVENT_LENGTH" default:"2h" help:"Events longer than this are skipped as stuck recordings."`
	EventQueueSize     int     `name:"event-queue-size" env:"EVENT_QUEUE_SIZE" default:"256" help:"Bound of the pending event queue."`
	SkipMissing        bool    `name:"skip-missing" env:"SKIP_MISSING" help:"Mark all currently missing events as backed up instead of downloading them."`

	ExperimentalDownloader bool `name:"experimental-downloader" env:"EXPERIMENTAL_DOWNLOADER" help:"Fetch clips with the prepare/download endpoints instead of video export."`

	AppriseNotifier []string `name:"apprise-notifier" env:"APPRISE_NOTIFIERS" help:"Apprise-API notifier as LEVELS=url. Repeatable."`
	NatsURL         string   `name:"nats-url" env:"NATS_URL" help:"When set, publish lifecycle events to this NATS server."`
	NatsSubject     string   `name:"nats-subject" env:"NATS_SUBJECT" default:"${default_subject}" help:"Subject lifecycle events are published on."`
	StatusAddr      string   `name:"status-addr" env:"STATUS_ADDR" help:"Listen address for the diagnostics HTTP server. Empty disables it."`

	ConfigFile string           `name:"config" env:"CONFIG_FILE" help:"Optional YAML config file. Flags and environment variables win over it."`
	Verbose    int              `name:"verbose" short:"v" type:"counter" help:"Increase logging verbosity. Repeat up to five times."`
	Version    kong.VersionFlag `name:"version" help:"Print version and exit."`
}

// Config is the fully validated runtime configuration.
type Config struct {
	Address   string
	Port      int
	Username  string
	Password  string
	VerifySSL bool

	Destination     string
	Retention       time.Duration
	RcloneArgs      string
	RclonePurgeArgs string

	DetectionTypes []string
	IgnoreCameras  []string
	Cameras        []string

	Template   *pathformat.Template
	SqlitePath string

	DownloadBufferSize int64
	DownloadRateLimit  float64
	PurgeInterval      time.Duration
	MissingInterval    time.Duration
	MissingRange       time.Duration
	MaxEventLength     time.Duration
	EventQueueSize     int
	SkipMissing        bool

	ExperimentalDownloader bool

	NotifyTargets []notify.Target
	NatsURL       string
	NatsSubject   string
	StatusAddr    string

	Verbosity int
}

// Load parses args (without the program name) and returns the validated
// configuration. Any error it returns is a configuration error and the
// process should exit with ExitCodeConfig.
func Load(args []string, version string) (*Config, error) {
	var cli CLI
	opts := []kong.Option{
		kong.Name("ts-protect-backup"),
		kong.Description("Continuously backs up UniFi Protect event clips to a remote store via rclone."),
		kong.Vars{
			"version":          version,
			"default_template": pathformat.DefaultTemplate,
			"default_subject":  notify.DefaultSubject,
		},
		kong.UsageOnError(),
	}
	if path := configFilePath(args); path != "" {
		resolver, err := yamlResolver(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kong.Resolvers(resolver))
	}
	parser, err := kong.New(&cli, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, err
	}
	return cli.Build()
}

// Build validates the raw CLI values and resolves them into a Config.
func (c *CLI) Build() (*Config, error) {
	cfg := &Config{
		Address:                c.Address,
		Port:                   c.Port,
		Username:               c.Username,
		Password:               c.Password,
		VerifySSL:              c.VerifySSL,
		Destination:            strings.TrimRight(c.RcloneDestination, "/"),
		RcloneArgs:             c.RcloneArgs,
		RclonePurgeArgs:        c.RclonePurgeArgs,
		DetectionTypes:         c.DetectionTypes,
		IgnoreCameras:          c.IgnoreCameras,
		Cameras:                c.Cameras,
		SqlitePath:             c.SqlitePath,
		DownloadRateLimit:      c.DownloadRateLimit,
		EventQueueSize:         c.EventQueueSize,
		SkipMissing:            c.SkipMissing,
		ExperimentalDownloader: c.ExperimentalDownloader,
		NatsURL:                c.NatsURL,
		NatsSubject:            c.NatsSubject,
		StatusAddr:             c.StatusAddr,
		Verbosity:              c.Verbose,
	}

	if c.Port < 1 || c.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", c.Port)
	}

	var err error
	if cfg.Retention, err = units.ParseDuration(c.Retention); err != nil {
		return nil, fmt.Errorf("retention: %w", err)
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	if cfg.PurgeInterval, err = units.ParseDuration(c.PurgeInterval); err != nil {
		return nil, fmt.Errorf("purge-interval: %w", err)
	}
	if cfg.PurgeInterval < time.Minute {
		return nil, fmt.Errorf("purge-interval must be at least 1m")
	}
	if cfg.MissingInterval, err = units.ParseDuration(c.MissingInterval); err != nil {
		return nil, fmt.Errorf("missing-interval: %w", err)
	}
	if cfg.MissingInterval <= 0 {
		return nil, fmt.Errorf("missing-interval must be positive")
	}
	if c.MissingRange == "" {
		cfg.MissingRange = cfg.Retention
	} else if cfg.MissingRange, err = units.ParseDuration(c.MissingRange); err != nil {
		return nil, fmt.Errorf("missing-range: %w", err)
	}
	if cfg.MissingRange > cfg.Retention {
		return nil, fmt.Errorf("missing-range exceeds retention; those events would be purged immediately")
	}
	if cfg.MaxEventLength, err = units.ParseDuration(c.MaxEventLength); err != nil {
		return nil, fmt.Errorf("max-event-length: %w", err)
	}
	if cfg.MaxEventLength <= 0 {
		return nil, fmt.Errorf("max-event-length must be positive")
	}
	if cfg.DownloadBufferSize, err = units.ParseSize(c.DownloadBufferSize); err != nil {
		return nil, fmt.Errorf("download-buffer-size: %w", err)
	}
	if cfg.DownloadBufferSize < 1<<20 {
		return nil, fmt.Errorf("download-buffer-size must be at least 1MiB")
	}
	if cfg.DownloadRateLimit < 0 {
		return nil, fmt.Errorf("download-rate-limit must not be negative")
	}
	if cfg.EventQueueSize < 1 {
		return nil, fmt.Errorf("event-queue-size must be at least 1")
	}

	for _, dt := range c.DetectionTypes {
		if !validDetectionType(dt) {
			return nil, fmt.Errorf("unknown detection type %q (valid: %s)", dt, strings.Join(ValidDetectionTypes, ", "))
		}
	}
	if len(c.DetectionTypes) == 0 {
		return nil, fmt.Errorf("at least one detection type is required")
	}

	if cfg.Template, err = pathformat.Compile(c.FileStructureFormat); err != nil {
		return nil, fmt.Errorf("file-structure-format: %w", err)
	}

	for _, spec := range c.AppriseNotifier {
		target, err := notify.ParseTarget(spec)
		if err != nil {
			return nil, err
		}
		cfg.NotifyTargets = append(cfg.NotifyTargets, target)
	}

	if cfg.Destination == "" {
		return nil, fmt.Errorf("rclone-destination must not be empty")
	}

	return cfg, nil
}

func validDetectionType(dt string) bool {
	for _, v := range ValidDetectionTypes {
		if dt == v {
			return true
		}
	}
	return false
}

// configFilePath finds --config before the real parse so the YAML resolver
// can be installed. CONFIG_FILE from the environment is the fallback.
func configFilePath(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "--config" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return os.Getenv("CONFIG_FILE")
}

// yamlResolver resolves flag values from a flat YAML mapping keyed by flag
// name.
func yamlResolver(path string) (kong.Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return kong.ResolverFunc(func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (interface{}, error) {
		if v, ok := raw[flag.Name]; ok {
			return v, nil
		}
		return nil, nil
	}), nil
}
