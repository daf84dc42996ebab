package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mmdatafocus/crmsync_backend/attio"
	"github.com/mmdatafocus/crmsync_backend/conflict"
	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/mmdatafocus/crmsync_backend/salesforce"
	"github.com/mmdatafocus/crmsync_backend/syncengine"
	"github.com/robfig/cron/v3"
)

const (
	StorageMySQL    = "mysql"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
	StorageMemory   = "memory"

	DefaultSchedule = "0 */15 * * * *"
)

// Settings is everything the service and the CLI read from the environment.
// The env tag names the variable; validation messages refer to it.
type Settings struct {
	AttioAPIKey          string `env:"ATTIO_API_KEY" validate:"required"`
	AttioBaseURL         string `env:"ATTIO_BASE_URL" validate:"required,url"`
	AttioWebhookSecret   string `env:"ATTIO_WEBHOOK_SECRET"`
	AttioRateLimitPerMin int    `env:"ATTIO_RATE_LIMIT_PER_MIN" validate:"min=1"`

	SFClientID     string `env:"SF_CLIENT_ID" validate:"required"`
	SFClientSecret string `env:"SF_CLIENT_SECRET" validate:"required"`
	SFInstanceURL  string `env:"SF_INSTANCE_URL" validate:"required,startswith=https://"`
	SFRefreshToken string `env:"SF_REFRESH_TOKEN"`
	SFAPIVersion   string `env:"SF_API_VERSION" validate:"required,startswith=v"`
	SFLoginURL     string `env:"SF_LOGIN_URL" validate:"omitempty,url"`
	SFWebhookToken string `env:"SF_WEBHOOK_TOKEN"`

	Direction        mapping.Direction `env:"SYNC_DIRECTION"`
	Strategy         conflict.Strategy `env:"SYNC_CONFLICT_RESOLUTION"`
	BatchSize        int               `env:"SYNC_BATCH_SIZE" validate:"min=1,max=10000"`
	LookbackHours    int               `env:"SYNC_LOOKBACK_HOURS" validate:"min=0"`
	MaxRetries       int               `env:"SYNC_MAX_RETRIES" validate:"min=0,max=10"`
	WebhookEnabled   bool              `env:"SYNC_WEBHOOK_ENABLED"`
	ScheduledEnabled bool              `env:"SYNC_SCHEDULED_ENABLED"`
	Schedule         string            `env:"SYNC_SCHEDULE"`
	PropagateDeletes bool              `env:"SYNC_PROPAGATE_DELETES"`
	MappingsFile     string            `env:"SYNC_MAPPINGS_FILE" validate:"omitempty,file"`

	APIKey     string `env:"API_KEY"`
	APIKeyHash string `env:"API_KEY_HASH"`

	StorageBackend string `env:"STORAGE_BACKEND" validate:"oneof=mysql postgres redis memory"`
	RedisPrefix    string `env:"REDIS_PREFIX"`

	PubSubTopic        string `env:"PUBSUB_SYNC_TOPIC"`
	PubSubSubscription string `env:"PUBSUB_SYNC_SUBSCRIPTION"`
	ExportBucket       string `env:"GCS_EXPORT_BUCKET"`

	Port string `env:"PORT" validate:"required,numeric"`

	// raw values that failed to parse, reported by Validate
	rawDirection string
	rawStrategy  string
}

// LoadSettings reads .env (if present) and the environment, applying defaults.
func LoadSettings() *Settings {
	godotenv.Load()

	s := &Settings{
		AttioAPIKey:          EnvString("ATTIO_API_KEY", ""),
		AttioBaseURL:         EnvString("ATTIO_BASE_URL", attio.DefaultBaseURL),
		AttioWebhookSecret:   EnvString("ATTIO_WEBHOOK_SECRET", ""),
		AttioRateLimitPerMin: intFromEnv("ATTIO_RATE_LIMIT_PER_MIN", 100),

		SFClientID:     EnvString("SF_CLIENT_ID", ""),
		SFClientSecret: EnvString("SF_CLIENT_SECRET", ""),
		SFInstanceURL:  strings.TrimRight(EnvString("SF_INSTANCE_URL", ""), "/"),
		SFRefreshToken: EnvString("SF_REFRESH_TOKEN", ""),
		SFAPIVersion:   EnvString("SF_API_VERSION", salesforce.DefaultAPIVersion),
		SFLoginURL:     EnvString("SF_LOGIN_URL", ""),
		SFWebhookToken: EnvString("SF_WEBHOOK_TOKEN", ""),

		BatchSize:        intFromEnv("SYNC_BATCH_SIZE", 100),
		LookbackHours:    intFromEnv("SYNC_LOOKBACK_HOURS", 24),
		MaxRetries:       intFromEnv("SYNC_MAX_RETRIES", 3),
		WebhookEnabled:   EnvBool("SYNC_WEBHOOK_ENABLED", true),
		ScheduledEnabled: EnvBool("SYNC_SCHEDULED_ENABLED", true),
		Schedule:         EnvString("SYNC_SCHEDULE", DefaultSchedule),
		PropagateDeletes: EnvBool("SYNC_PROPAGATE_DELETES", false),
		MappingsFile:     EnvString("SYNC_MAPPINGS_FILE", ""),

		APIKey:     EnvString("API_KEY", ""),
		APIKeyHash: EnvString("API_KEY_HASH", ""),

		StorageBackend: strings.ToLower(EnvString("STORAGE_BACKEND", StorageMySQL)),
		RedisPrefix:    EnvString("REDIS_PREFIX", "crmsync"),

		PubSubTopic:        EnvString("PUBSUB_SYNC_TOPIC", ""),
		PubSubSubscription: EnvString("PUBSUB_SYNC_SUBSCRIPTION", ""),
		ExportBucket:       EnvString("GCS_EXPORT_BUCKET", ""),

		Port: EnvString("PORT", "8080"),
	}
	if s.SFLoginURL == "" && s.SFInstanceURL != "" {
		s.SFLoginURL = salesforce.LoginURLFor(s.SFInstanceURL)
	}

	s.rawDirection = EnvString("SYNC_DIRECTION", string(mapping.Bidirectional))
	if d, err := mapping.ParseDirection(s.rawDirection); err == nil {
		s.Direction = d
	}
	s.rawStrategy = EnvString("SYNC_CONFLICT_RESOLUTION", string(conflict.LastWrite))
	if st, err := conflict.ParseStrategy(s.rawStrategy); err == nil {
		s.Strategy = st
	}
	return s
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Validate checks every rule and reports all violations at once as a configuration error.
func (s *Settings) Validate() error {
	var problems []string
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &syncengine.SyncError{Kind: syncengine.KindConfiguration, Err: err}
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if !s.Direction.IsValid() {
		problems = append(problems, fmt.Sprintf("SYNC_DIRECTION: unknown direction %q", s.rawDirection))
	}
	if s.Strategy == "" {
		problems = append(problems, fmt.Sprintf("SYNC_CONFLICT_RESOLUTION: unknown strategy %q", s.rawStrategy))
	}
	if s.ScheduledEnabled {
		if _, err := ParseSchedule(s.Schedule); err != nil {
			problems = append(problems, fmt.Sprintf("SYNC_SCHEDULE: %v", err))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &syncengine.SyncError{
		Kind: syncengine.KindConfiguration,
		Err:  errors.New(strings.Join(problems, "; ")),
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + ": is required"
	case "min", "max":
		return fmt.Sprintf("%s: must be %s %s", fe.Field(), map[string]string{"min": ">=", "max": "<="}[fe.Tag()], fe.Param())
	case "startswith":
		return fmt.Sprintf("%s: must start with %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s: must be one of %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
}

// ParseSchedule parses a six-field cron spec (seconds first) or a descriptor like @every 5m.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(spec)
}

func (s *Settings) Lookback() time.Duration {
	return time.Duration(s.LookbackHours) * time.Hour
}

func (s *Settings) AttioConfig() attio.Config {
	return attio.Config{
		APIKey:          s.AttioAPIKey,
		BaseURL:         s.AttioBaseURL,
		RateLimitPerMin: s.AttioRateLimitPerMin,
		Timeout:         secondsFromEnv("ATTIO_TIMEOUT_SECONDS", 30),
	}
}

func (s *Settings) SalesforceConfig() salesforce.Config {
	return salesforce.Config{
		ClientID:     s.SFClientID,
		ClientSecret: s.SFClientSecret,
		InstanceURL:  s.SFInstanceURL,
		RefreshToken: s.SFRefreshToken,
		APIVersion:   s.SFAPIVersion,
		LoginURL:     s.SFLoginURL,
		Timeout:      secondsFromEnv("SF_TIMEOUT_SECONDS", 30),
	}
}

// Mappings loads SYNC_MAPPINGS_FILE when set, else the built-in defaults.
func (s *Settings) Mappings() (*mapping.Set, error) {
	if s.MappingsFile == "" {
		return mapping.DefaultSet(), nil
	}
	set, err := mapping.LoadFile(s.MappingsFile)
	if err != nil {
		return nil, &syncengine.SyncError{Kind: syncengine.KindConfiguration, Err: err}
	}
	return set, nil
}

// Redacted is the settings view printed by the CLI: secrets are reduced to set/unset.
func (s *Settings) Redacted() map[string]any {
	secret := func(v string) string {
		if v == "" {
			return "<unset>"
		}
		return "<set>"
	}
	return map[string]any{
		"ATTIO_API_KEY":            secret(s.AttioAPIKey),
		"ATTIO_BASE_URL":           s.AttioBaseURL,
		"ATTIO_WEBHOOK_SECRET":     secret(s.AttioWebhookSecret),
		"ATTIO_RATE_LIMIT_PER_MIN": s.AttioRateLimitPerMin,
		"SF_CLIENT_ID":             secret(s.SFClientID),
		"SF_CLIENT_SECRET":         secret(s.SFClientSecret),
		"SF_INSTANCE_URL":          s.SFInstanceURL,
		"SF_REFRESH_TOKEN":         secret(s.SFRefreshToken),
		"SF_API_VERSION":           s.SFAPIVersion,
		"SF_LOGIN_URL":             s.SFLoginURL,
		"SYNC_DIRECTION":           s.Direction,
		"SYNC_CONFLICT_RESOLUTION": s.Strategy,
		"SYNC_BATCH_SIZE":          s.BatchSize,
		"SYNC_LOOKBACK_HOURS":      s.LookbackHours,
		"SYNC_MAX_RETRIES":         s.MaxRetries,
		"SYNC_WEBHOOK_ENABLED":     s.WebhookEnabled,
		"SYNC_SCHEDULED_ENABLED":   s.ScheduledEnabled,
		"SYNC_SCHEDULE":            s.Schedule,
		"SYNC_PROPAGATE_DELETES":   s.PropagateDeletes,
		"SYNC_MAPPINGS_FILE":       s.MappingsFile,
		"API_KEY":                  secret(s.APIKey + s.APIKeyHash),
		"STORAGE_BACKEND":          s.StorageBackend,
	}
}
