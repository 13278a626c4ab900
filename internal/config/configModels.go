package config

import (
	"fmt"
	"time"
)

type Config struct {
	Env            string           `yaml:"env" env-default:"local"`
	HttpServer     HttpServerConfig `yaml:"httpServer"`
	DBConfig       DBConfig         `yaml:"db"`
	GoogleConfig   GoogleConfig     `yaml:"google" env-required:"true"`
	Limits         LimitsConfig     `yaml:"limits"`
	Bots           []BotConfig      `yaml:"bots" env-required:"true"`
	ConfigFilePath string           `yaml:"configFilePath" env:"CONFIG_FILEPATH" env-default:""`
	ConfigFileName string           `yaml:"configFileName" env:"CONFIG_FILENAME" env-default:""`
	configPath     string
}

type HttpServerConfig struct {
	Address string        `yaml:"address" env-default:"0.0.0.0"`
	Port    string        `yaml:"port" env-default:"8080"`
	Timeout time.Duration `yaml:"timeout" env-default:"5s"`
}

// DBConfig describes the optional Postgres audit log. The dialogue state
// itself is memory-resident; the database only records finished generations.
type DBConfig struct {
	Enabled  bool   `yaml:"enabled" env:"DB_ENABLED" env-default:"false"`
	Host     string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
	Name     string `yaml:"name" env:"DB_NAME" env-default:"postgres"`
	User     string `yaml:"user" env:"DB_USER" env-default:"user"`
	Password string `yaml:"password" env:"DB_PASSWORD" env-default:"password"`
	Schema   string `yaml:"schema" env:"DB_SCHEMA" env-default:"card_bot"`
}

// GoogleConfig holds credentials for the Drive/Slides rendering backend.
// Either the OAuth refresh-token triple or a service-account JSON must be set.
type GoogleConfig struct {
	ClientID           string `yaml:"clientId" env:"GOOGLE_CLIENT_ID" env-default:""`
	ClientSecret       string `yaml:"clientSecret" env:"GOOGLE_CLIENT_SECRET" env-default:""`
	RefreshToken       string `yaml:"refreshToken" env:"GOOGLE_REFRESH_TOKEN" env-default:""`
	ServiceAccountJSON string `yaml:"serviceAccountJson" env:"SERVICE_ACCOUNT_JSON" env-default:""`
}

// LimitsConfig gathers the operational tunables shared by all bots.
type LimitsConfig struct {
	QueueCapacity       int           `yaml:"queueCapacity" env-default:"64"`
	Workers             int           `yaml:"workers" env-default:"2"`
	RateLimitInterval   time.Duration `yaml:"rateLimitInterval" env-default:"10s"`
	DedupWindow         time.Duration `yaml:"dedupWindow" env-default:"60s"`
	ProgressNoticeDelay time.Duration `yaml:"progressNoticeDelay" env-default:"15s"`
	RetryAttempts       int           `yaml:"retryAttempts" env-default:"3"`
	RetryBaseDelay      time.Duration `yaml:"retryBaseDelay" env-default:"1s"`
	RetryMaxDelay       time.Duration `yaml:"retryMaxDelay" env-default:"15s"`
	RenderTimeout       time.Duration `yaml:"renderTimeout" env-default:"90s"`
}

// LanguageMode selects which name-entry steps a bot walks through.
type LanguageMode string

const (
	// LangBilingual collects an Arabic name, then an English one.
	LangBilingual LanguageMode = "ar_en"
	// LangEnglish collects a single English name.
	LangEnglish LanguageMode = "en"
	// LangArabic collects a single Arabic name.
	LangArabic LanguageMode = "ar"
)

// TemplateRef binds one (size, design) combination to a Slides template.
type TemplateRef struct {
	Size     string `yaml:"size"`
	Design   int    `yaml:"design"`
	SlidesID string `yaml:"slidesId"`
}

// BotConfig is the static record for one branded bot identity.
type BotConfig struct {
	ID                   string        `yaml:"id" env-required:"true"`
	Token                string        `yaml:"token" env-required:"true"`
	WebhookPath          string        `yaml:"webhookPath" env-required:"true"`
	WebhookSecret        string        `yaml:"webhookSecret" env-default:""`
	Language             LanguageMode  `yaml:"language" env-default:"ar_en"`
	Sizes                []string      `yaml:"sizes"`
	Designs              int           `yaml:"designs" env-default:"1"`
	Templates            []TemplateRef `yaml:"templates" env-required:"true"`
	PlaceholderPrimary   string        `yaml:"placeholderPrimary" env-default:"<<Name in Arabic>>"`
	PlaceholderSecondary string        `yaml:"placeholderSecondary" env-default:"<<Name in English>>"`
	Branding             string        `yaml:"branding" env-default:""`
}

// Validate checks the per-bot records for the mistakes that must stop the
// process before it serves traffic: a missing template for a (size, design)
// combination would otherwise surface mid-dialogue.
func (cfg *Config) Validate() error {
	if !cfg.GoogleConfig.hasOAuth() && cfg.GoogleConfig.ServiceAccountJSON == "" {
		return fmt.Errorf("google credentials missing: set clientId/clientSecret/refreshToken or serviceAccountJson")
	}
	seen := make(map[string]struct{}, len(cfg.Bots))
	for i := range cfg.Bots {
		b := &cfg.Bots[i]
		if _, ok := seen[b.ID]; ok {
			return fmt.Errorf("bot %q: duplicate id", b.ID)
		}
		seen[b.ID] = struct{}{}
		if err := b.validate(); err != nil {
			return fmt.Errorf("bot %q: %w", b.ID, err)
		}
	}
	return nil
}

func (g GoogleConfig) hasOAuth() bool {
	return g.ClientID != "" && g.ClientSecret != "" && g.RefreshToken != ""
}

func (b *BotConfig) validate() error {
	switch b.Language {
	case LangBilingual, LangEnglish, LangArabic:
	default:
		return fmt.Errorf("unknown language mode %q", b.Language)
	}
	if len(b.Sizes) == 0 {
		b.Sizes = []string{"default"}
	}
	if b.Designs < 1 {
		b.Designs = 1
	}
	for _, size := range b.Sizes {
		for design := 0; design < b.Designs; design++ {
			if b.Template(size, design) == "" {
				return fmt.Errorf("no template for size %q design %d", size, design)
			}
		}
	}
	return nil
}

// Template resolves the Slides template for a (size, design) combination.
// Returns "" when the combination is not configured.
func (b *BotConfig) Template(size string, design int) string {
	for _, t := range b.Templates {
		if t.Size == size && t.Design == design {
			return t.SlidesID
		}
	}
	return ""
}

// Multivariant reports whether the bot offers more than one card variant,
// which enables the size/design selection steps of the dialogue.
func (b *BotConfig) Multivariant() bool {
	return len(b.Sizes) > 1 || b.Designs > 1
}
