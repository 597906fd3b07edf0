package config

const (
	defaultConfigPath                = "~/.config/transmute/config.toml"
	defaultWorkDir                   = "~/.local/share/transmute/work"
	defaultLogDir                    = "~/.local/share/transmute/logs"
	defaultLogRetentionDays          = 14
	defaultLogFormat                 = "console"
	defaultLogLevel                  = "info"
	defaultCacheMaxMiB               = 4096
	defaultCacheTTLHours             = 24 * 7
	defaultCacheSweepIntervalSeconds = 300
	defaultIndexDriver               = "sqlite"
	defaultMaxHops                   = 4
	defaultTimeoutMultiplier         = 4.0
	defaultMinTimeoutSeconds         = 30
	defaultMaxTimeoutSeconds         = 1800
	defaultLearningRate              = 0.1
	defaultHistorySize               = 100
	defaultMinSamples                = 20
	defaultNoiseFloor                = 2.0
	defaultTickIntervalSeconds       = 60
	defaultProfileTTLSeconds         = 600
	defaultMaxConcurrency            = 4
	defaultTelemetryListen           = "127.0.0.1:9464"
	defaultTelemetryNamespace        = "transmute"
	defaultFFprobeBinary             = "ffprobe"
	defaultFFmpegBinary              = "ffmpeg"
	defaultJPEGQuality               = 90
	defaultCommandQuality            = 0.8
)

// DefaultThresholds are the initial simple/moderate/complex score boundaries.
var DefaultThresholds = [3]float64{25, 60, 110}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir: defaultWorkDir,
			LogDir:  defaultLogDir,
		},
		Cache: Cache{
			Enabled:              true,
			Dir:                  defaultCacheDir(),
			MaxMiB:               defaultCacheMaxMiB,
			TTLHours:             defaultCacheTTLHours,
			SweepIntervalSeconds: defaultCacheSweepIntervalSeconds,
			IndexDriver:          defaultIndexDriver,
		},
		Routing: Routing{
			MaxHops: defaultMaxHops,
		},
		Selector: Selector{
			TimeoutMultiplier: defaultTimeoutMultiplier,
			MinTimeoutSeconds: defaultMinTimeoutSeconds,
			MaxTimeoutSeconds: defaultMaxTimeoutSeconds,
			Thresholds:        DefaultThresholds,
		},
		Optimizer: Optimizer{
			LearningRate:        defaultLearningRate,
			HistorySize:         defaultHistorySize,
			MinSamples:          defaultMinSamples,
			NoiseFloor:          defaultNoiseFloor,
			TickIntervalSeconds: defaultTickIntervalSeconds,
			ProfileTTLSeconds:   defaultProfileTTLSeconds,
		},
		Workers: Workers{
			MaxConcurrency: defaultMaxConcurrency,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Telemetry: Telemetry{
			Listen:    defaultTelemetryListen,
			Namespace: defaultTelemetryNamespace,
		},
		Detector: Detector{
			FFprobeBinary: defaultFFprobeBinary,
		},
		Backends: Backends{
			Imaging: ImagingBackend{Enabled: true, JPEGQuality: defaultJPEGQuality},
			Tabular: TabularBackend{Enabled: true},
			Drapto:  DraptoBackend{Enabled: false, FFmpegBinary: defaultFFmpegBinary},
		},
	}
}
