package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/koko/pkg/phonemize"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KOKO_"

// Load reads the YAML configuration file at path, applies KOKO_* environment
// overrides, and returns a validated [Config]. An empty path yields the
// defaults plus overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		ApplyEnv(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays KOKO_* environment variables onto cfg. Unparseable
// values are ignored.
func ApplyEnv(cfg *Config) {
	overrideString((*string)(&cfg.Server.LogLevel), "SERVER_LOG_LEVEL")
	overrideString(&cfg.Server.ListenAddr, "SERVER_LISTEN_ADDR")
	overrideInt(&cfg.Server.MaxConcurrent, "SERVER_MAX_CONCURRENT")
	overrideString(&cfg.Server.OutputDir, "SERVER_OUTPUT_DIR")
	overrideString(&cfg.Server.ModelID, "SERVER_MODEL_ID")
	overrideInt(&cfg.Server.MaxInputRunes, "SERVER_MAX_INPUT_RUNES")
	overrideString((*string)(&cfg.Model.Backend), "MODEL_BACKEND")
	overrideString(&cfg.Model.Path, "MODEL_PATH")
	overrideString(&cfg.Model.LibraryPath, "MODEL_LIBRARY_PATH")
	overrideInt(&cfg.Model.MaxTokens, "MODEL_MAX_TOKENS")
	overrideInt(&cfg.Model.Prefetch, "MODEL_PREFETCH")
	overrideInt(&cfg.Model.IntraOpThreads, "MODEL_INTRA_OP_THREADS")
	overrideString(&cfg.Voices.Path, "VOICES_PATH")
	overrideString(&cfg.Voices.PostgresDSN, "VOICES_POSTGRES_DSN")
	overrideString(&cfg.Tokenizer.VocabPath, "TOKENIZER_VOCAB_PATH")
	overrideInt(&cfg.Tokenizer.FallbackID, "TOKENIZER_FALLBACK_ID")
	overrideString(&cfg.Phonemizer.DefaultLanguage, "PHONEMIZER_DEFAULT_LANGUAGE")
	overrideFloat(&cfg.Phonemizer.VariantThreshold, "PHONEMIZER_VARIANT_THRESHOLD")
	overrideInt(&cfg.Audio.MP3Quality, "AUDIO_MP3_QUALITY")
	overrideInt(&cfg.Audio.OpusBitrate, "AUDIO_OPUS_BITRATE")
	overrideInt(&cfg.Audio.OutputRate, "AUDIO_OUTPUT_RATE")
	overrideString(&cfg.Telemetry.ServiceName, "TELEMETRY_SERVICE_NAME")
	overrideBool(&cfg.Telemetry.Metrics, "TELEMETRY_METRICS")
	overrideBool(&cfg.NATS.Enabled, "NATS_ENABLED")
	overrideStringSlice(&cfg.NATS.Servers, "NATS_SERVERS")
	overrideBool(&cfg.NATS.Embedded, "NATS_EMBEDDED")
	overrideInt(&cfg.NATS.Port, "NATS_PORT")
	overrideString(&cfg.NATS.Token, "NATS_TOKEN")
	overrideString(&cfg.NATS.Username, "NATS_USERNAME")
	overrideString(&cfg.NATS.Password, "NATS_PASSWORD")
	overrideString(&cfg.NATS.QueueGroup, "NATS_QUEUE_GROUP")
	overrideDuration(&cfg.NATS.Timeout, "NATS_TIMEOUT")
	overrideBool(&cfg.SessionLog.Enabled, "SESSION_LOG_ENABLED")
	overrideString(&cfg.SessionLog.Path, "SESSION_LOG_PATH")
	overrideInt(&cfg.SessionLog.RetentionDays, "SESSION_LOG_RETENTION_DAYS")
	overrideInt(&cfg.SessionLog.MaxEntries, "SESSION_LOG_MAX_ENTRIES")
}

func overrideString(target *string, key string) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, key string) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, key string) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, key string) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideDuration(target *time.Duration, key string) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, key string) {
	value, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return
	}
	var out []string
	for _, p := range strings.Split(value, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		*target = out
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrent %d must not be negative", cfg.Server.MaxConcurrent))
	}
	if cfg.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes %d must not be negative", cfg.Server.MaxBodyBytes))
	}
	if cfg.Server.MaxInputRunes < 0 {
		errs = append(errs, fmt.Errorf("server.max_input_runes %d must not be negative", cfg.Server.MaxInputRunes))
	}

	// Model
	if !cfg.Model.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("model.backend %q is invalid; valid values: onnx, formant", cfg.Model.Backend))
	}
	if cfg.Model.Backend == BackendONNX && cfg.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required when backend is onnx"))
	}
	if cfg.Model.MaxTokens < 1 || cfg.Model.MaxTokens > 510 {
		errs = append(errs, fmt.Errorf("model.max_tokens %d is out of range [1, 510]", cfg.Model.MaxTokens))
	}
	if cfg.Model.Prefetch < 0 {
		errs = append(errs, fmt.Errorf("model.prefetch %d must not be negative", cfg.Model.Prefetch))
	}
	if cfg.Model.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("model.sample_rate %d must be positive", cfg.Model.SampleRate))
	}

	// Voices
	if cfg.Voices.Path == "" && cfg.Voices.PostgresDSN == "" {
		errs = append(errs, errors.New("voices: one of path or postgres_dsn is required"))
	}
	if cfg.Voices.PostgresDSN != "" && cfg.Voices.Dim <= 0 {
		errs = append(errs, fmt.Errorf("voices.dim %d must be positive when postgres_dsn is set", cfg.Voices.Dim))
	}

	// Tokenizer
	if cfg.Tokenizer.FallbackID < 0 {
		errs = append(errs, fmt.Errorf("tokenizer.fallback_id %d must not be negative", cfg.Tokenizer.FallbackID))
	}

	// Phonemizer
	if lang := cfg.Phonemizer.DefaultLanguage; lang != "" {
		if _, ok := phonemize.ParseLang(lang); !ok {
			errs = append(errs, fmt.Errorf("phonemizer.default_language %q is not supported", lang))
		}
	}
	if t := cfg.Phonemizer.VariantThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("phonemizer.variant_threshold %.2f is out of range [0, 1]", t))
	}

	// Audio
	if q := cfg.Audio.MP3Quality; q < 0 || q > 9 {
		errs = append(errs, fmt.Errorf("audio.mp3_quality %d is out of range [0, 9]", q))
	}
	if cfg.Audio.OpusBitrate < 0 {
		errs = append(errs, fmt.Errorf("audio.opus_bitrate %d must not be negative", cfg.Audio.OpusBitrate))
	}
	if cfg.Audio.OutputRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_rate %d must not be negative", cfg.Audio.OutputRate))
	}

	// NATS
	if cfg.NATS.Enabled {
		if !cfg.NATS.Embedded && len(cfg.NATS.Servers) == 0 {
			errs = append(errs, errors.New("nats.servers is required unless nats.embedded is set"))
		}
		if cfg.NATS.Embedded && (cfg.NATS.Port < -1 || cfg.NATS.Port > 65535) {
			errs = append(errs, fmt.Errorf("nats.port %d is out of range", cfg.NATS.Port))
		}
	}

	// Session log
	if cfg.SessionLog.Enabled && cfg.SessionLog.Path == "" {
		errs = append(errs, errors.New("session_log.path is required when the session log is enabled"))
	}
	if cfg.SessionLog.RetentionDays < 0 || cfg.SessionLog.MaxEntries < 0 {
		errs = append(errs, errors.New("session_log retention limits must not be negative"))
	}

	return errors.Join(errs...)
}
