package config

// Config is the top-level YAML structure.
type Config struct {
	Version     string          `yaml:"version"`
	Server      ServerConf      `yaml:"server"`
	Monitors    []MonitorConf   `yaml:"monitors"`
	Patterns    PatternsConf    `yaml:"patterns"`
	Reasoning   ReasoningConf   `yaml:"reasoning"`
	Calibration CalibrationConf `yaml:"calibration"`
	Pipeline    PipelineConf    `yaml:"pipeline"`
	Tools       ToolsConf       `yaml:"tools"`
	Kafka       KafkaConf       `yaml:"kafka"`
	Redis       RedisConf       `yaml:"redis"`
	Postgres    PostgresConf    `yaml:"postgres"`
}

// ServerConf configures the HTTP listener.
type ServerConf struct {
	Addr              string `yaml:"addr"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
}

// MonitorConf describes one monitor. It is immutable once the monitor is
// built; changing it requires a restart.
type MonitorConf struct {
	ID                         string   `yaml:"id"`
	Name                       string   `yaml:"name"`
	Role                       string   `yaml:"role"`
	Kind                       string   `yaml:"kind"` // generic | correlation
	Capabilities               []string `yaml:"capabilities"`
	ScanIntervalMs             int      `yaml:"scan_interval_ms"`
	EventAccelerationThreshold int      `yaml:"event_acceleration_threshold"`
	SubscribedTopics           []string `yaml:"subscribed_topics"`
	ReasoningTimeoutMs         int      `yaml:"reasoning_timeout_ms"`
	RefineTimeoutMs            int      `yaml:"refine_timeout_ms"` // correlation only
	HistorySize                int      `yaml:"history_size"`
	TimelineWindowMs           int64    `yaml:"timeline_window_ms"`
	MaxTimelineEvents          int      `yaml:"max_timeline_events"`
}

// PatternsConf points at an optional pattern file. Without one the builtin
// catalog is used.
type PatternsConf struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// ReasoningConf selects and tunes the reasoning backend.
type ReasoningConf struct {
	Backend           string  `yaml:"backend"` // rules | chat
	URL               string  `yaml:"url"`
	Model             string  `yaml:"model"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	TimeoutMs         int     `yaml:"timeout_ms"`
	MaxToolTurns      int     `yaml:"max_tool_turns"`
	MaxTokens         int     `yaml:"max_tokens"`
	RefinePredictions bool    `yaml:"refine_predictions"`
	MinScore          float64 `yaml:"min_score"` // rules backend
	MinSteps          int     `yaml:"min_steps"` // rules backend
}

// CalibrationConf lists piecewise calibration knots. Empty means identity.
type CalibrationConf struct {
	Points []PointConf `yaml:"points"`
}

// PointConf is one calibration knot.
type PointConf struct {
	Raw        float64 `yaml:"raw"`
	Calibrated float64 `yaml:"calibrated"`
}

// PipelineConf tunes the detection pipeline shared by all monitors.
type PipelineConf struct {
	Topic               string   `yaml:"topic"`
	KnowledgeCollection string   `yaml:"knowledge_collection"`
	BroadcastThreshold  *float64 `yaml:"broadcast_threshold"` // unset means 0.6; 0 is honoured
	RingSize            int      `yaml:"ring_size"`
	SinkTimeoutMs       int      `yaml:"sink_timeout_ms"`
}

// ToolsConf tunes the read-only tools.
type ToolsConf struct {
	MaxRecords int `yaml:"max_records"`
}

// KafkaConf enables the Kafka event bus and, with Consume, the ingest
// consumer. No brokers means both are off.
type KafkaConf struct {
	Brokers      []string `yaml:"brokers"`
	GroupID      string   `yaml:"group_id"`
	Consume      bool     `yaml:"consume"`
	RequiredAcks int      `yaml:"required_acks"`
}

// RedisConf enables the Redis messenger and knowledge base. No address
// means the in-process messenger and knowledge base are used.
type RedisConf struct {
	Addr                string `yaml:"addr"`
	PasswordEnv         string `yaml:"password_env"`
	DB                  int    `yaml:"db"`
	Channel             string `yaml:"channel"`
	KeyPrefix           string `yaml:"key_prefix"`
	MaxKnowledgeEntries int    `yaml:"max_knowledge_entries"`
}

// PostgresConf enables the PostgreSQL record store. No DSN means the tools
// read from an empty in-memory store.
type PostgresConf struct {
	DSNEnv         string `yaml:"dsn_env"`
	Table          string `yaml:"table"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	QueryTimeoutMs int    `yaml:"query_timeout_ms"`
}
