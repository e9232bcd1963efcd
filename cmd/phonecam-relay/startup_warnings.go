package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/phonecam/relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: PHONECAM_ALLOWED_ORIGINS contains '*' (any web page can open the camera stream)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.ProducerPolicy == config.ProducerPolicyEvict {
		logger.Warn("startup security warning: PRODUCER_POLICY=evict lets any client on the network take over the camera feed",
			"warning_code", "producer_policy_evict_in_prod",
			"producer_policy", cfg.ProducerPolicy,
			"mode", cfg.Mode,
		)
	}

	// Oversized frame and timeout caps weaken the relay's DoS hardening.
	if cfg.MaxFrameBytes > 16<<20 { // 16MiB
		logger.Warn("startup security warning: MAX_FRAME_BYTES is very large (increases per-frame allocation risk)",
			"warning_code", "max_frame_bytes_large",
			"max_frame_bytes", cfg.MaxFrameBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.SessionIdleTimeout > 5*time.Minute {
		logger.Warn("startup security warning: SESSION_IDLE_TIMEOUT is very large (dead sessions hold the producer slot longer)",
			"warning_code", "session_idle_timeout_large",
			"session_idle_timeout", cfg.SessionIdleTimeout,
			"mode", cfg.Mode,
		)
	}

	if !strings.HasPrefix(cfg.SinkPath, "/dev/shm/") {
		logger.Warn("startup warning: SINK_PATH is outside /dev/shm (every frame hits persistent storage)",
			"warning_code", "sink_path_not_shm",
			"sink_path", cfg.SinkPath,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
