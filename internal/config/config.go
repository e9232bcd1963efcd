package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/phonecam/relay/internal/origin"
)

const (
	envVarListenAddr      = "PHONECAM_LISTEN_ADDR"
	envVarCertFile        = "PHONECAM_CERT_FILE"
	envVarKeyFile         = "PHONECAM_KEY_FILE"
	envVarAssetDir        = "PHONECAM_ASSET_DIR"
	envVarMode            = "PHONECAM_MODE"
	envVarLogFormat       = "PHONECAM_LOG_FORMAT"
	envVarLogLevel        = "PHONECAM_LOG_LEVEL"
	envVarShutdownTimeout = "PHONECAM_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "PHONECAM_ALLOWED_ORIGINS"

	// Session lifecycle knobs.
	envVarRoleGracePeriod    = "ROLE_GRACE_PERIOD"
	envVarSessionIdleTimeout = "SESSION_IDLE_TIMEOUT"
	envVarSweepInterval      = "SWEEP_INTERVAL"
	envVarProducerPolicy     = "PRODUCER_POLICY"

	// Stream hardening knobs.
	envVarMaxFrameBytes               = "MAX_FRAME_BYTES"
	envVarMaxControlMessageBytes      = "MAX_CONTROL_MESSAGE_BYTES"
	envVarMaxControlMessagesPerSecond = "MAX_CONTROL_MESSAGES_PER_SECOND"
	envVarConsumerQueueDepth          = "CONSUMER_QUEUE_DEPTH"

	// Virtual camera sink knobs.
	envVarSinkPath       = "SINK_PATH"
	envVarSinkQueueDepth = "SINK_QUEUE_DEPTH"
	envVarNoSignalMode   = "SINK_NO_SIGNAL_MODE"
	envVarSinkInitialFPS = "SINK_INITIAL_FPS"
	envVarSinkMinFPS     = "SINK_MIN_FPS"
	envVarSinkMaxFPS     = "SINK_MAX_FPS"

	// DefaultListenAddr matches the port the provisioning scripts open for the
	// phone browser.
	DefaultListenAddr = ":8443"
	DefaultCertFile   = "cert.pem"
	DefaultKeyFile    = "key.pem"
	DefaultAssetDir   = "web"

	DefaultShutdown       = 15 * time.Second
	DefaultMode      Mode = ModeDev

	DefaultRoleGracePeriod    = 5 * time.Second
	DefaultSessionIdleTimeout = 30 * time.Second
	DefaultSweepInterval      = 5 * time.Second

	DefaultMaxFrameBytes               = 4 << 20 // 4MiB, a generous bound for a single JPEG
	DefaultMaxControlMessageBytes      = int64(4 * 1024)
	DefaultMaxControlMessagesPerSecond = 20
	DefaultConsumerQueueDepth          = 2
	DefaultSinkQueueDepth              = 2

	DefaultSinkPath   = "/dev/shm/phonecam_frame"
	DefaultInitialFPS = 30
	DefaultMinFPS     = 1
	DefaultMaxFPS     = 60
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// ProducerPolicy controls what happens when a session requests the producer
// role while another producer is active.
type ProducerPolicy string

const (
	// ProducerPolicyEvict closes the prior producer (with an explicit "evicted"
	// message) and promotes the new session.
	ProducerPolicyEvict ProducerPolicy = "evict"
	// ProducerPolicyReject refuses the new session with an explicit
	// "producer_busy" message.
	ProducerPolicyReject ProducerPolicy = "reject"
)

// NoSignalMode controls what the virtual camera sink shows after the producer
// disconnects.
type NoSignalMode string

const (
	// NoSignalBlank writes an explicit no-signal record so downstream apps do
	// not keep showing a stale frame.
	NoSignalBlank NoSignalMode = "blank"
	// NoSignalHold keeps repeating the last received frame.
	NoSignalHold NoSignalMode = "hold"
)

type Config struct {
	ListenAddr string
	CertFile   string
	KeyFile    string
	AssetDir   string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins lists normalized origins (or "*") permitted to open
	// /stream. Empty means same-host only.
	AllowedOrigins []string

	// RoleGracePeriod bounds how long a freshly upgraded connection may wait
	// before declaring its role.
	RoleGracePeriod time.Duration
	// SessionIdleTimeout is the inactivity bound after which the liveness sweep
	// closes a session.
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	ProducerPolicy     ProducerPolicy

	MaxFrameBytes               int
	MaxControlMessageBytes      int64
	MaxControlMessagesPerSecond int
	ConsumerQueueDepth          int

	SinkPath       string
	SinkQueueDepth int
	NoSignalMode   NoSignalMode
	SinkInitialFPS int
	SinkMinFPS     int
	SinkMaxFPS     int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	fs := flag.NewFlagSet("phonecam-relay", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "HTTPS listen address")
	certFile := fs.String("cert-file", envOrDefault(lookup, envVarCertFile, DefaultCertFile), "TLS certificate (PEM)")
	keyFile := fs.String("key-file", envOrDefault(lookup, envVarKeyFile, DefaultKeyFile), "TLS private key (PEM)")
	assetDir := fs.String("asset-dir", envOrDefault(lookup, envVarAssetDir, DefaultAssetDir), "capture page asset directory")
	sinkPath := fs.String("sink-path", envOrDefault(lookup, envVarSinkPath, DefaultSinkPath), "virtual camera sink path")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	mode := Mode(strings.ToLower(strings.TrimSpace(modeDefault)))
	switch mode {
	case ModeDev, ModeProd:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want dev or prod)", envVarMode, modeDefault)
	}

	logFormat := LogFormat(strings.ToLower(strings.TrimSpace(logFormatDefault)))
	switch logFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want text or json)", envVarLogFormat, logFormatDefault)
	}

	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(logLevelDefault)); err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarLogLevel, logLevelDefault, err)
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	rawOrigins, _ := lookup(envVarAllowedOrigins)
	allowedOrigins, err := parseAllowedOrigins(rawOrigins)
	if err != nil {
		return Config{}, err
	}
	roleGrace, err := envDurationOrDefault(lookup, envVarRoleGracePeriod, DefaultRoleGracePeriod)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSessionIdleTimeout, DefaultSessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	if roleGrace <= 0 || idleTimeout <= 0 || sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s, %s and %s must be positive", envVarRoleGracePeriod, envVarSessionIdleTimeout, envVarSweepInterval)
	}

	policy := ProducerPolicy(strings.ToLower(envOrDefault(lookup, envVarProducerPolicy, string(ProducerPolicyEvict))))
	switch policy {
	case ProducerPolicyEvict, ProducerPolicyReject:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want evict or reject)", envVarProducerPolicy, policy)
	}

	noSignal := NoSignalMode(strings.ToLower(envOrDefault(lookup, envVarNoSignalMode, string(NoSignalBlank))))
	switch noSignal {
	case NoSignalBlank, NoSignalHold:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want blank or hold)", envVarNoSignalMode, noSignal)
	}

	maxFrameBytes, err := envIntOrDefault(lookup, envVarMaxFrameBytes, DefaultMaxFrameBytes)
	if err != nil {
		return Config{}, err
	}
	maxControlBytes, err := envIntOrDefault(lookup, envVarMaxControlMessageBytes, int(DefaultMaxControlMessageBytes))
	if err != nil {
		return Config{}, err
	}
	maxControlPerSecond, err := envIntOrDefault(lookup, envVarMaxControlMessagesPerSecond, DefaultMaxControlMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	consumerDepth, err := envIntOrDefault(lookup, envVarConsumerQueueDepth, DefaultConsumerQueueDepth)
	if err != nil {
		return Config{}, err
	}
	sinkDepth, err := envIntOrDefault(lookup, envVarSinkQueueDepth, DefaultSinkQueueDepth)
	if err != nil {
		return Config{}, err
	}
	if maxFrameBytes <= 0 || maxControlBytes <= 0 {
		return Config{}, fmt.Errorf("%s and %s must be positive", envVarMaxFrameBytes, envVarMaxControlMessageBytes)
	}
	if consumerDepth < 1 || sinkDepth < 1 {
		return Config{}, fmt.Errorf("%s and %s must be at least 1", envVarConsumerQueueDepth, envVarSinkQueueDepth)
	}

	initialFPS, err := envIntOrDefault(lookup, envVarSinkInitialFPS, DefaultInitialFPS)
	if err != nil {
		return Config{}, err
	}
	minFPS, err := envIntOrDefault(lookup, envVarSinkMinFPS, DefaultMinFPS)
	if err != nil {
		return Config{}, err
	}
	maxFPS, err := envIntOrDefault(lookup, envVarSinkMaxFPS, DefaultMaxFPS)
	if err != nil {
		return Config{}, err
	}
	if minFPS < 1 || minFPS > initialFPS || initialFPS > maxFPS {
		return Config{}, fmt.Errorf("sink fps bounds must satisfy 1 <= %s <= %s <= %s", envVarSinkMinFPS, envVarSinkInitialFPS, envVarSinkMaxFPS)
	}

	return Config{
		ListenAddr: *listenAddr,
		CertFile:   *certFile,
		KeyFile:    *keyFile,
		AssetDir:   *assetDir,

		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  allowedOrigins,

		RoleGracePeriod:    roleGrace,
		SessionIdleTimeout: idleTimeout,
		SweepInterval:      sweepInterval,
		ProducerPolicy:     policy,

		MaxFrameBytes:               maxFrameBytes,
		MaxControlMessageBytes:      int64(maxControlBytes),
		MaxControlMessagesPerSecond: maxControlPerSecond,
		ConsumerQueueDepth:          consumerDepth,

		SinkPath:       *sinkPath,
		SinkQueueDepth: sinkDepth,
		NoSignalMode:   noSignal,
		SinkInitialFPS: initialFPS,
		SinkMinFPS:     minFPS,
		SinkMaxFPS:     maxFPS,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// parseAllowedOrigins splits a comma-separated origin list and normalizes
// each entry, so later comparisons are exact string matches.
func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid %s entry %q", envVarAllowedOrigins, entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}
