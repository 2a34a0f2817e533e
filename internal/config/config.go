// Package config provides the configuration schema, loader, model backend
// registry, and hot-reload watcher for the koko speech service.
package config

import "time"

// LogLevel controls log verbosity for the koko server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backend selects the speech model implementation.
type Backend string

const (
	// BackendONNX runs the Kokoro ONNX export through ONNX Runtime.
	BackendONNX Backend = "onnx"

	// BackendFormant is the built-in formant synthesiser. It needs no model
	// file and is intended for development and tests.
	BackendFormant Backend = "formant"
)

// IsValid reports whether b is a recognised backend.
func (b Backend) IsValid() bool {
	return b == BackendONNX || b == BackendFormant
}

// Config is the root configuration structure for koko.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Voices     VoicesConfig     `yaml:"voices"`
	Tokenizer  TokenizerConfig  `yaml:"tokenizer"`
	Phonemizer PhonemizerConfig `yaml:"phonemizer"`
	Audio      AudioConfig      `yaml:"audio"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	NATS       NATSConfig       `yaml:"nats"`
	SessionLog SessionLogConfig `yaml:"session_log"`
}

// ServerConfig holds HTTP and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is applied on hot reload.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxConcurrent caps simultaneous synthesis requests. Zero is unlimited.
	MaxConcurrent int `yaml:"max_concurrent"`

	// OutputDir receives files written for return_audio=false requests.
	OutputDir string `yaml:"output_dir"`

	// ModelID is reported by /v1/models.
	ModelID string `yaml:"model_id"`

	// MaxBodyBytes bounds a request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// MaxInputRunes bounds the input text. Zero is unlimited.
	MaxInputRunes int `yaml:"max_input_runes"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ModelConfig selects and tunes the speech model.
type ModelConfig struct {
	Backend Backend `yaml:"backend"`

	// Path is the .onnx model file. Required for the onnx backend.
	Path string `yaml:"path"`

	// LibraryPath is the onnxruntime shared library. Empty uses the system
	// search path.
	LibraryPath string `yaml:"library_path"`

	// MaxTokens is the per-segment token budget.
	MaxTokens int `yaml:"max_tokens"`

	// Prefetch is how many segments are computed ahead of the consumer.
	Prefetch int `yaml:"prefetch"`

	// IntraOpThreads caps ONNX Runtime's thread pool. Zero leaves the default.
	IntraOpThreads int `yaml:"intra_op_threads"`

	// SampleRate of the model output.
	SampleRate int `yaml:"sample_rate"`
}

// VoicesConfig locates the voice style table. PostgresDSN, when set, takes
// precedence over Path.
type VoicesConfig struct {
	// Path is a JSON or YAML voice table.
	Path string `yaml:"path"`

	// PostgresDSN loads styles from a pgvector table instead.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Dim is the embedding dimension of the Postgres column.
	Dim int `yaml:"dim"`
}

// TokenizerConfig overrides the built-in vocabulary.
type TokenizerConfig struct {
	// VocabPath is a JSON symbol→id table. Empty uses the built-in vocabulary.
	VocabPath string `yaml:"vocab_path"`

	// FallbackID is the id for symbols absent from the vocabulary.
	FallbackID int `yaml:"fallback_id"`
}

// PhonemizerConfig tunes grapheme-to-phoneme conversion.
type PhonemizerConfig struct {
	// DefaultLanguage is used when neither the request nor the voice name
	// implies one.
	DefaultLanguage string `yaml:"default_language"`

	// Lexicon adds or overrides pronunciations (word → phonemes).
	Lexicon map[string]string `yaml:"lexicon"`

	// VariantThreshold is the Jaro-Winkler similarity above which an
	// unknown word borrows the pronunciation of a lexicon entry.
	VariantThreshold float64 `yaml:"variant_threshold"`
}

// AudioConfig tunes the encoders.
type AudioConfig struct {
	// MP3Quality is the LAME algorithm quality, 0 (best) to 9 (fastest).
	MP3Quality int `yaml:"mp3_quality"`

	// OpusBitrate in bits per second. Zero uses the codec default.
	OpusBitrate int `yaml:"opus_bitrate"`

	// OutputRate resamples encoded output. Zero keeps the model rate.
	OutputRate int `yaml:"output_rate"`
}

// TelemetryConfig configures OpenTelemetry resources.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// Metrics toggles the /metrics endpoint.
	Metrics bool `yaml:"metrics"`
}

// NATSConfig enables the NATS request adapter.
type NATSConfig struct {
	Enabled bool `yaml:"enabled"`

	// Servers to dial. Ignored when Embedded is set.
	Servers []string `yaml:"servers"`

	// Embedded runs an in-process NATS server on Host:Port.
	Embedded bool   `yaml:"embedded"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`

	Name     string `yaml:"name"`
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// QueueGroup load-balances requests across instances.
	QueueGroup string `yaml:"queue_group"`

	RequestSubject string `yaml:"request_subject"`
	AudioSubject   string `yaml:"audio_subject"`
	DoneSubject    string `yaml:"done_subject"`

	// Timeout bounds one synthesis.
	Timeout time.Duration `yaml:"timeout"`
}

// SessionLogConfig enables the SQLite session audit log.
type SessionLogConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	RetentionDays int           `yaml:"retention_days"`
	MaxEntries    int           `yaml:"max_entries"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// Default returns the configuration used when no file is given. Values
// decoded from YAML overlay these.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":3000",
			LogLevel:        LogInfo,
			OutputDir:       "tmp",
			ModelID:         "kokoro",
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Model: ModelConfig{
			Backend:    BackendONNX,
			Path:       "checkpoints/kokoro-v1.0.onnx",
			MaxTokens:  510,
			Prefetch:   1,
			SampleRate: 24000,
		},
		Voices: VoicesConfig{
			Path: "data/voices-v1.0.json",
			Dim:  256,
		},
		Tokenizer: TokenizerConfig{
			FallbackID: 16,
		},
		Phonemizer: PhonemizerConfig{
			DefaultLanguage:  "en-us",
			VariantThreshold: 0.9,
		},
		Audio: AudioConfig{
			MP3Quality: 3,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "koko",
			Metrics:     true,
		},
		NATS: NATSConfig{
			Host:           "127.0.0.1",
			Port:           4222,
			Name:           "koko",
			ConnectTimeout: 2 * time.Second,
			Timeout:        time.Minute,
		},
		SessionLog: SessionLogConfig{
			Path:          "data/sessions.db",
			RetentionDays: 30,
			PruneInterval: time.Hour,
		},
	}
}
