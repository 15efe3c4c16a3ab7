package config

const (
	defaultDataDir                   = "~/.local/share/reel"
	defaultLogDir                    = "~/.local/share/reel/logs"
	defaultInboxDir                  = "~/reel-inbox"
	defaultLogFormat                 = "console"
	defaultLogLevel                  = "info"
	defaultWorkerSlots               = 1
	defaultWorkflowHeartbeatInterval = 15
	defaultWorkflowHeartbeatTimeout  = 120
	defaultUnitRetries               = 3
	defaultStageRetries              = 2
	defaultRetryBackoffMillis        = 500
	defaultRetryBackoffMaxMillis     = 30000
	defaultSegmentSeconds            = 30
	defaultRoutingConfidence         = 0.85
	defaultRoutingTimeoutSeconds     = 30
	defaultModelBudgetRAMPercent     = 50
	defaultModelMinFreeRatio         = 0.10
	defaultModelSizeMiB              = 1024
	defaultRunnerCallTimeout         = 600
	defaultSimilarityThreshold       = 0.80
	defaultLearnConfidence           = 0.90
	defaultNotifyBufferSize          = 256
	defaultWatchSettleMS             = 2000
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:  defaultDataDir,
			LogDir:   defaultLogDir,
			InboxDir: defaultInboxDir,
		},
		Queue: Queue{
			WorkerSlots: defaultWorkerSlots,
		},
		Workflow: Workflow{
			QueuePollInterval:  5,
			ErrorRetryInterval: 10,
			HeartbeatInterval:  defaultWorkflowHeartbeatInterval,
			HeartbeatTimeout:   defaultWorkflowHeartbeatTimeout,
			UnitRetries:        defaultUnitRetries,
			StageRetries:       defaultStageRetries,
			RetryBackoffMillis: defaultRetryBackoffMillis,
			RetryBackoffMax:    defaultRetryBackoffMaxMillis,
		},
		Pipeline: Pipeline{
			SegmentSeconds: defaultSegmentSeconds,
			Passes: []Pass{
				{Name: "draft", Model: "asr", Options: map[string]any{"size": "small", "beam_size": int64(1)}},
				{Name: "refined", Model: "asr", Options: map[string]any{"size": "large-v3", "beam_size": int64(5)}},
			},
			Diarization:    StageModel{Enabled: true, Model: "diarizer"},
			Entities:       StageModel{Enabled: true, Model: "ner"},
			CrossReference: StageModel{Enabled: true},
			Refinement:     StageModel{Enabled: true, Model: "refiner"},
		},
		Routing: Routing{
			ConfidenceThreshold: defaultRoutingConfidence,
			TimeoutSeconds:      defaultRoutingTimeoutSeconds,
		},
		Models: Models{
			BudgetRAMPercent: defaultModelBudgetRAMPercent,
			MinFreeRatio:     defaultModelMinFreeRatio,
			DefaultSizeMiB:   defaultModelSizeMiB,
		},
		Runner: Runner{
			CallTimeoutSeconds: defaultRunnerCallTimeout,
			FFprobeBinary:      "ffprobe",
		},
		Identity: Identity{
			SimilarityThreshold: defaultSimilarityThreshold,
			Learn:               true,
			LearnConfidence:     defaultLearnConfidence,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			BufferSize:     defaultNotifyBufferSize,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: 30,
		},
		Watch: Watch{
			Extensions: []string{".wav", ".mp3", ".m4a", ".flac", ".mp4", ".mkv", ".mov"},
			SettleMS:   defaultWatchSettleMS,
		},
	}
}
