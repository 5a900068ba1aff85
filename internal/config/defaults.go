package config

const (
	defaultLibraryDir        = "~/music"
	defaultStagingDir        = "~/.local/share/crate/staging"
	defaultLogDir            = "~/.local/share/crate/logs"
	defaultAPIBind           = "127.0.0.1:7391"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultWorkers           = 2
	defaultQueuePollInterval = 15
	defaultReconcileInterval = 3600
	defaultWatchlistInterval = 1800
	defaultJobRetentionDays  = 30
	defaultTriggerMaxBatch   = 5
	triggerBatchCap          = 20
	defaultExtractorBinary   = "yt-dlp"
	defaultExtractorFormat   = "opus"
	defaultExtractorTimeout  = 900
	defaultCDNTimeout        = 600
	defaultCDNFormat         = "flac"
	defaultMetadataBaseURL   = "https://musicbrainz.org/ws/2"
	defaultMetadataUserAgent = "crate/1.0 (https://github.com/crate-archiver/crate)"
	defaultMetadataTimeout   = 10
	defaultGateWindowSecs    = 60
	defaultGatePerAction     = 60
	defaultGatePerClient     = 20
)

var (
	defaultCDNLimit       = SourceLimit{MaxCalls: 10, WindowSecs: 60, MinSpacingMS: 500}
	defaultExtractorLimit = SourceLimit{MaxCalls: 6, WindowSecs: 60, MinSpacingMS: 1000}
	defaultMetadataLimit  = SourceLimit{MaxCalls: 50, WindowSecs: 60, MinSpacingMS: 1000}
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			LibraryDir: defaultLibraryDir,
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Trigger: Trigger{
			MaxBatch: defaultTriggerMaxBatch,
		},
		RateLimit: RateLimit{
			CDN:            defaultCDNLimit,
			Extractor:      defaultExtractorLimit,
			Metadata:       defaultMetadataLimit,
			GateWindowSecs: defaultGateWindowSecs,
			GatePerAction:  defaultGatePerAction,
			GatePerClient:  defaultGatePerClient,
			GateEnabled:    true,
		},
		CDN: CDN{
			Format:         defaultCDNFormat,
			TimeoutSeconds: defaultCDNTimeout,
		},
		Extractor: Extractor{
			Binary:         defaultExtractorBinary,
			AudioFormat:    defaultExtractorFormat,
			TimeoutSeconds: defaultExtractorTimeout,
		},
		Metadata: Metadata{
			Enabled:     true,
			BaseURL:     defaultMetadataBaseURL,
			UserAgent:   defaultMetadataUserAgent,
			TimeoutSecs: defaultMetadataTimeout,
		},
		Workflow: Workflow{
			Workers:               defaultWorkers,
			QueuePollInterval:     defaultQueuePollInterval,
			ReconcileInterval:     defaultReconcileInterval,
			WatchlistPollInterval: defaultWatchlistInterval,
			JobRetentionDays:      defaultJobRetentionDays,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
