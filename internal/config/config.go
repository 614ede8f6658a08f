package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultInitialTokens = 3

	CodecTiktoken    = "tiktoken"
	CodecHuggingFace = "huggingface"
	CodecVocab       = "vocab"
	CodecBytes       = "bytes"

	PredictorBigram = "bigram"
	PredictorFlight = "flight"
)

// Analysis is the configuration surface consumed by the sequence analyzer.
type Analysis struct {
	// MaxLength truncates the input to its first MaxLength tokens. Zero means no limit.
	MaxLength int
	// InitialTokensCount is the size of the prefix for which no prediction is attempted.
	InitialTokensCount int
}

type Codec struct {
	Kind          string
	Encoding      string // tiktoken encoding name
	TokenizerPath string // tokenizer.json
	VocabPath     string // one token per line
	// Fallback selects the byte codec when the configured one cannot be built.
	Fallback bool
}

type Predictor struct {
	Kind        string
	FlightAddr  string
	Timeout     time.Duration
	Temperature float32
	// MaxContext rejects predictions whose context is longer. Zero means unlimited.
	MaxContext int
	CorpusPath string
	Smoothing  float64
	// CacheTTL keeps distributions for repeated contexts. Zero disables the cache.
	CacheTTL     time.Duration
	CacheEntries int
}

type Server struct {
	Host           string
	Port           int
	MetricsAddr    string
	APIKey         string
	AllowedOrigins []string
}

type Log struct {
	Level  string
	Format string
}

type Config struct {
	Analysis  Analysis
	Codec     Codec
	Predictor Predictor
	Server    Server
	Log       Log
}

func DefaultAnalysis() Analysis {
	return Analysis{InitialTokensCount: DefaultInitialTokens}
}

func Default() Config {
	return Config{
		Analysis: DefaultAnalysis(),
		Codec: Codec{
			Kind:     CodecTiktoken,
			Encoding: "cl100k_base",
			Fallback: true,
		},
		Predictor: Predictor{
			Kind:         PredictorBigram,
			FlightAddr:   "127.0.0.1:3000",
			Timeout:      30 * time.Second,
			Temperature:  1.0,
			Smoothing:    0.1,
			CacheEntries: 1024,
		},
		Server: Server{
			Host:        "0.0.0.0",
			Port:        8080,
			MetricsAddr: ":9090",
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

func (a Analysis) Validate() error {
	if a.MaxLength < 0 {
		return fmt.Errorf("invalid max_length: %d (must be positive, or 0 for no limit)", a.MaxLength)
	}
	if a.InitialTokensCount < 0 {
		return fmt.Errorf("invalid initial_tokens_count: %d (must be non-negative)", a.InitialTokensCount)
	}
	return nil
}

func (c Codec) Validate() error {
	switch strings.ToLower(c.Kind) {
	case CodecTiktoken:
		if c.Encoding == "" {
			return fmt.Errorf("codec %s requires an encoding name", c.Kind)
		}
	case CodecHuggingFace:
		if c.TokenizerPath == "" {
			return fmt.Errorf("codec %s requires a tokenizer path", c.Kind)
		}
	case CodecVocab:
		if c.VocabPath == "" {
			return fmt.Errorf("codec %s requires a vocab path", c.Kind)
		}
	case CodecBytes:
	default:
		return fmt.Errorf("unknown codec kind: %q", c.Kind)
	}
	return nil
}

func (p Predictor) Validate() error {
	switch strings.ToLower(p.Kind) {
	case PredictorBigram:
		if p.Smoothing <= 0 {
			return fmt.Errorf("invalid smoothing: %f (must be positive)", p.Smoothing)
		}
	case PredictorFlight:
		if p.FlightAddr == "" {
			return fmt.Errorf("predictor %s requires an address", p.Kind)
		}
	default:
		return fmt.Errorf("unknown predictor kind: %q", p.Kind)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("invalid timeout: %s (must be non-negative)", p.Timeout)
	}
	if p.Temperature <= 0 {
		return fmt.Errorf("invalid temperature: %f (must be positive)", p.Temperature)
	}
	if p.MaxContext < 0 {
		return fmt.Errorf("invalid max_context: %d (must be non-negative)", p.MaxContext)
	}
	if p.CacheTTL < 0 || p.CacheEntries < 0 {
		return fmt.Errorf("invalid cache: ttl %s, entries %d (must be non-negative)", p.CacheTTL, p.CacheEntries)
	}
	return nil
}

func (s Server) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port: %d", s.Port)
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.Analysis.Validate(); err != nil {
		return err
	}
	if err := c.Codec.Validate(); err != nil {
		return err
	}
	if err := c.Predictor.Validate(); err != nil {
		return err
	}
	return c.Server.Validate()
}

// ApplyEnv overrides fields from SURPRISAL_* environment variables. Malformed
// numeric values are reported rather than ignored.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	if err := num("SURPRISAL_MAX_LENGTH", &c.Analysis.MaxLength); err != nil {
		return err
	}
	if err := num("SURPRISAL_INITIAL_TOKENS", &c.Analysis.InitialTokensCount); err != nil {
		return err
	}
	str("SURPRISAL_CODEC", &c.Codec.Kind)
	str("SURPRISAL_ENCODING", &c.Codec.Encoding)
	str("SURPRISAL_TOKENIZER", &c.Codec.TokenizerPath)
	str("SURPRISAL_VOCAB", &c.Codec.VocabPath)
	str("SURPRISAL_PREDICTOR", &c.Predictor.Kind)
	str("SURPRISAL_FLIGHT_ADDR", &c.Predictor.FlightAddr)
	str("SURPRISAL_CORPUS", &c.Predictor.CorpusPath)
	if err := num("SURPRISAL_MAX_CONTEXT", &c.Predictor.MaxContext); err != nil {
		return err
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}
	if err := dur("SURPRISAL_TIMEOUT", &c.Predictor.Timeout); err != nil {
		return err
	}
	if err := dur("SURPRISAL_CACHE_TTL", &c.Predictor.CacheTTL); err != nil {
		return err
	}
	str("SURPRISAL_API_KEY", &c.Server.APIKey)
	if v, ok := lookup("SURPRISAL_ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = ParseList(v)
	}
	str("SURPRISAL_LOG_LEVEL", &c.Log.Level)
	str("SURPRISAL_LOG_FORMAT", &c.Log.Format)
	return nil
}

// ParseList splits a comma-separated list, dropping blanks.
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
