package config

import "time"

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_MEMORY StorageType = "memory"

type Config struct {
	RedisConfig      RedisStorageConfig
	StorageType      StorageType
	HttpPort         int
	ExecutorCapacity int
	Debug            bool

	AI          AIConfig
	Catalog     CatalogConfig
	ObjectStore ObjectStoreConfig
	Pipeline    PipelineConfig
	Approval    ApprovalConfig
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}

type AIConfig struct {
	ExtractorURL   string
	ScorerURL      string
	JudgeURL       string
	ImageGenURL    string
	OptimizerURL   string
	RequestTimeout time.Duration
}

type CatalogConfig struct {
	URL         string
	SearchLimit int
	CacheTTL    time.Duration
}

type ObjectStoreConfig struct {
	URL      string
	BasePath string
}

type PipelineConfig struct {
	// Per-call budgets.
	DownloadTimeout time.Duration
	ExtractTimeout  time.Duration
	ScoreTimeout    time.Duration
	JudgeTimeout    time.Duration

	// Run watchdog. Must stay below the platform function timeout.
	RunDeadline time.Duration

	RetryBaseDelay   time.Duration
	MaxAttempts      int
	ImageConcurrency int
}

type ApprovalConfig struct {
	MinRelevance      float64
	ApproveThreshold  float64
	FallbackThreshold float64
	FallbackScore     float64
	FallbackTopN      int
	RuleCacheTTL      time.Duration
}

// Default returns the configuration used when no flag or file overrides it.
func Default() Config {
	return Config{
		StorageType:      STORAGE_TYPE_MEMORY,
		HttpPort:         8080,
		ExecutorCapacity: 512,
		AI: AIConfig{
			RequestTimeout: 60 * time.Second,
		},
		Catalog: CatalogConfig{
			SearchLimit: 10,
			CacheTTL:    5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			DownloadTimeout:  30 * time.Second,
			ExtractTimeout:   60 * time.Second,
			ScoreTimeout:     90 * time.Second,
			JudgeTimeout:     30 * time.Second,
			RunDeadline:      8 * time.Minute,
			RetryBaseDelay:   2 * time.Second,
			MaxAttempts:      3,
			ImageConcurrency: 4,
		},
		Approval: ApprovalConfig{
			MinRelevance:      0.4,
			ApproveThreshold:  0.85,
			FallbackThreshold: 0.7,
			FallbackScore:     0.5,
			FallbackTopN:      3,
			RuleCacheTTL:      10 * time.Minute,
		},
	}
}
