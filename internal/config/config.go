package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed questions.yaml
var defaultQuestions []byte

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Config is the process configuration, read once from the environment.
type Config struct {
	Addr      string
	Env       string
	LogLev    string
	StaticDir string

	DBDialect     string
	DBDSN         string
	MigrationsDir string

	TokenSecret   string
	TokenTTL      time.Duration
	FormBaseURL   string
	SchedulingURL string

	MaxResends        int
	ReminderDays      []int
	NudgeInterval     time.Duration
	StuckAfter        time.Duration
	StuckMaxReminders int

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	S3Bucket string
	S3Region string

	KafkaBrokers []string
	KafkaTopic   string
	SQSQueueURL  string

	AdminAPIKey     string
	CORSOrigins     []string
	CORSPersist     bool
	CORSPersistPath string

	Questions []string
}

// SafeEnv returns the environment variable value for key, or fallback if empty.
func SafeEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := SafeEnv(k, ""); v != "" {
			return v
		}
	}
	return ""
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Env:               SafeEnv("APP_ENV", "development"),
		LogLev:            SafeEnv("LOG_LEVEL", ""),
		StaticDir:         SafeEnv("STATIC_DIR", ""),
		MigrationsDir:     SafeEnv("MIGRATIONS_DIR", ""),
		TokenSecret:       SafeEnv("TOKEN_SECRET", "dev-token-secret"),
		TokenTTL:          7 * 24 * time.Hour,
		FormBaseURL:       strings.TrimRight(firstEnv("FORM_BASE_URL", "APP_URL"), "/"),
		SchedulingURL:     SafeEnv("CALENDLY_URL", "https://calendly.com/admin-ethosh/doctor-appointment"),
		TwilioAccountSID:  SafeEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   SafeEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber: SafeEnv("TWILIO_PHONE_NUMBER", ""),
		S3Bucket:          strings.Trim(SafeEnv("S3_BUCKET", ""), `"`),
		S3Region:          SafeEnv("S3_REGION", ""),
		KafkaBrokers:      splitList(SafeEnv("KAFKA_BROKERS", "")),
		KafkaTopic:        SafeEnv("KAFKA_TOPIC", "intake-events"),
		SQSQueueURL:       SafeEnv("SQS_QUEUE_URL", ""),
		AdminAPIKey:       SafeEnv("ADMIN_API_KEY", ""),
		CORSPersist:       strings.EqualFold(SafeEnv("CORS_PERSIST", ""), "true"),
		CORSPersistPath:   SafeEnv("CORS_PERSIST_PATH", "data/cors-allowlist.json"),
	}
	if cfg.FormBaseURL == "" {
		cfg.FormBaseURL = "http://localhost:3000"
	}

	port := SafeEnv("PORT", "3000")
	cfg.Addr = SafeEnv("ADDR", ":"+port)

	cfg.DBDialect, cfg.DBDSN = databaseFromEnv()

	var err error
	if cfg.MaxResends, err = intEnv("MAX_NUDGES", 3); err != nil {
		return nil, err
	}
	if cfg.StuckMaxReminders, err = intEnv("STUCK_MAX_REMINDERS", 0); err != nil {
		return nil, err
	}
	if cfg.NudgeInterval, err = durationEnv("NUDGE_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.StuckAfter, err = durationEnv("STUCK_AFTER", 24*time.Hour); err != nil {
		return nil, err
	}
	cfg.ReminderDays = ReminderDaysFromEnv(os.Getenv)

	cfg.CORSOrigins = splitList(firstEnv("CORS_ORIGINS", "FORM_BASE_URL"))

	if path := SafeEnv("QUESTIONS_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read questions file: %w", err)
		}
		if cfg.Questions, err = ParseQuestions(data); err != nil {
			return nil, err
		}
	} else if cfg.Questions, err = ParseQuestions(defaultQuestions); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool { return strings.EqualFold(c.Env, "production") }

// ReminderDaysFromEnv resolves the Step-B reminder schedule. The explicit
// REMINDER_* variables take precedence over REMINDER_DAYS; the result is
// sorted ascending and never contains unparsable entries.
func ReminderDaysFromEnv(getenv func(string) string) []int {
	var explicit []int
	for _, key := range []string{"REMINDER_3DAYS", "REMINDER_7DAYS", "REMINDER_1MONTH", "REMINDER_2MONTHS"} {
		if n, err := strconv.Atoi(strings.TrimSpace(getenv(key))); err == nil {
			explicit = append(explicit, n)
		}
	}
	if len(explicit) > 0 {
		sort.Ints(explicit)
		return explicit
	}
	raw := strings.TrimSpace(getenv("REMINDER_DAYS"))
	if raw == "" {
		raw = "3,7,30,60"
	}
	days := []int{}
	for _, part := range strings.Split(raw, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			days = append(days, n)
		}
	}
	sort.Ints(days)
	return days
}

type questionsFile struct {
	Questions []string `yaml:"questions"`
}

// ParseQuestions decodes the ordered survey question list.
func ParseQuestions(data []byte) ([]string, error) {
	var qf questionsFile
	if err := yaml.Unmarshal(data, &qf); err != nil {
		return nil, fmt.Errorf("parse questions: %w", err)
	}
	out := make([]string, 0, len(qf.Questions))
	for _, q := range qf.Questions {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("parse questions: list is empty")
	}
	return out, nil
}

func databaseFromEnv() (dialect, dsn string) {
	if u := firstEnv("DATABASE_URL", "DB_URL", "DATABASEURL"); u != "" {
		if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
			return DialectPostgres, u
		}
		return DialectSQLite, strings.TrimPrefix(u, "sqlite://")
	}
	if host := SafeEnv("DB_HOST", ""); host != "" {
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(firstEnv("DB_USER", "PGUSER"), firstEnv("DB_PASS", "PGPASSWORD")),
			Host:     host + ":" + SafeEnv("DB_PORT", "5432"),
			Path:     "/" + firstEnvOr("sms_survey", "DB_NAME", "PGDATABASE"),
			RawQuery: "sslmode=" + SafeEnv("DB_SSLMODE", "disable"),
		}
		return DialectPostgres, u.String()
	}
	return DialectSQLite, SafeEnv("SQLITE_PATH", "data/intake.db")
}

func firstEnvOr(fallback string, keys ...string) string {
	if v := firstEnv(keys...); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := SafeEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s=%q", key, raw)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := SafeEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s=%q", key, raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
