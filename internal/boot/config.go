package boot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/templates"
)

type Config struct {
	Env  string `env:"ENV,default=dev"`
	Name string `env:"NAME,default=Sendgrid Integration"`

	Server struct {
		Port        string `env:"SERVER_PORT,default=8080"`
		MetricsPort string `env:"METRICS_PORT,default=8081"`
		PublicURL   string `env:"PUBLIC_URL"`
		WebhookPath string `env:"WEBHOOK_PATH,default=/sendgrid-unread-messages"`
		InboundPath string `env:"SENDGRID_PATH,default=/new-email"`
		Secret      string `env:"WEBHOOK_SECRET"`
	}

	Notifier struct {
		Delay           time.Duration `env:"DELAY,default=1h"`
		ReportForStatus []string      `env:"REPORT_FOR_STATUS,default=sent,delivered"`
		EnrichConvo     bool          `env:"ENRICH_CONVERSATION,default=false"`
	}

	Email struct {
		Domain   string  `env:"EMAIL_DOMAIN,required"`
		SMTPAddr string  `env:"SMTP_ADDR,default=smtp.sendgrid.net:587"`
		Username string  `env:"SMTP_USERNAME,default=apikey"`
		Password string  `env:"SMTP_PASSWORD"`
		Rate     float64 `env:"EMAIL_RATE,default=10"`
	}

	Templates struct {
		Text     string `env:"TEMPLATE_TEXT"`
		HTML     string `env:"TEMPLATE_HTML"`
		Subject  string `env:"TEMPLATE_SUBJECT"`
		FromName string `env:"TEMPLATE_FROM_NAME"`
		File     string `env:"TEMPLATES_FILE"`
	}

	Identity struct {
		Source   string        `env:"IDENTITY_SOURCE,default=platform"`
		CacheTTL time.Duration `env:"IDENTITY_CACHE_TTL,default=5m"`
	}

	Platform struct {
		URL   string `env:"PLATFORM_URL,default=https://api.layer.com"`
		AppID string `env:"PLATFORM_APP_ID,required"`
		Token string `env:"PLATFORM_TOKEN,required"`
	}

	Queue struct {
		Attempts      int           `env:"JOB_ATTEMPTS,default=10"`
		Backoff       time.Duration `env:"JOB_BACKOFF,default=10s"`
		PollInterval  time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s"`
		Concurrency   int           `env:"QUEUE_CONCURRENCY,default=4"`
		PurgeSchedule string        `env:"QUEUE_PURGE_SCHEDULE,default=0 3 * * *"`
		Retention     time.Duration `env:"QUEUE_RETENTION,default=168h"`
	}

	Database struct {
		Driver string `env:"DB_DRIVER,default=sqlite3"`
		URL    string `env:"DATABASE_URL,default=file:relay.db?_busy_timeout=5000"`
	}
}

// Load reads a .env file when present and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return LoadWith(envconfig.OsLookuper())
}

func LoadWith(lookuper envconfig.Lookuper) (*Config, error) {
	config := &Config{}
	if err := envconfig.ProcessWith(context.Background(), config, lookuper); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	if _, err := config.ReportForStatus(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "prod"
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "dev"
}

func (c *Config) ReportForStatus() ([]model.RecipientStatus, error) {
	statuses := make([]model.RecipientStatus, 0, len(c.Notifier.ReportForStatus))
	for _, s := range c.Notifier.ReportForStatus {
		status := model.RecipientStatus(s)
		if !status.Valid() {
			return nil, fmt.Errorf("invalid REPORT_FOR_STATUS value %q", s)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (c *Config) TemplateSource() templates.Source {
	return templates.Source{
		Text:     c.Templates.Text,
		HTML:     c.Templates.HTML,
		Subject:  c.Templates.Subject,
		FromName: c.Templates.FromName,
	}
}

// WebhookURL is the public address the platform delivers receipts to.
func (c *Config) WebhookURL() string {
	return c.Server.PublicURL + c.Server.WebhookPath
}
