package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/boot"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/email"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/handlers"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/platform"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/queue"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/service/identity"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/service/notifier"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/service/reply"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/store"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/templates"
)

func newLogger(config *boot.Config, component string) *log.Logger {
	logger := log.New("relay:" + strings.ReplaceAll(config.Name, " ", "-") + ":" + component)
	if config.IsDevelopment() {
		logger.SetLevel(log.DEBUG)
	} else {
		logger.SetLevel(log.INFO)
	}
	return logger
}

func main() {
	config, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(config.Database.Driver, config.Database.URL)
	if err != nil {
		log.Fatalf("opening database: %+v", err)
	}
	defer db.Close()

	jobs, err := queue.NewStore(db)
	if err != nil {
		log.Fatalf("creating job store: %+v", err)
	}
	receipts, err := store.NewReceipts(db)
	if err != nil {
		log.Fatalf("creating receipt store: %+v", err)
	}
	directory, err := store.NewDirectory(db)
	if err != nil {
		log.Fatalf("creating identity directory: %+v", err)
	}

	queueLogger := newLogger(config, "queue")
	q := queue.New(jobs, queue.Config{
		Attempts:     config.Queue.Attempts,
		Backoff:      config.Queue.Backoff,
		PollInterval: config.Queue.PollInterval,
		Concurrency:  config.Queue.Concurrency,
	}, queueLogger, queue.NewMetrics(prometheus.DefaultRegisterer))

	client := platform.NewClient(config.Platform.URL, config.Platform.AppID, config.Platform.Token)

	resolver, err := identity.New(config.Identity.Source, client, directory)
	if err != nil {
		log.Fatalf("identity: %+v", err)
	}
	maintenance := []queue.Task{
		q.PurgeTask(config.Queue.Retention),
		{
			Name: "purge receipts",
			Run: func(ctx context.Context) (int64, error) {
				return receipts.Purge(ctx, time.Now().Add(-config.Queue.Retention))
			},
		},
	}
	if config.Identity.CacheTTL > 0 {
		cache, err := store.NewIdentityCache(config.Identity.CacheTTL)
		if err != nil {
			log.Fatalf("creating identity cache: %+v", err)
		}
		defer cache.Close()
		resolver = identity.NewCachedResolver(resolver, cache, newLogger(config, "identity"))
		maintenance = append(maintenance, queue.Task{
			Name: "evict identities",
			Run:  func(ctx context.Context) (int64, error) { return cache.Evict() },
		})
	}

	notifierLogger := newLogger(config, "email-notifier")
	templateSource := config.TemplateSource()
	if config.Templates.File != "" {
		fileSource, err := templates.LoadFile(config.Templates.File)
		if err != nil {
			log.Fatalf("templates: %+v", err)
		}
		templateSource = templateSource.Merge(fileSource)
	}
	templateSet, err := templates.New(templateSource)
	if err != nil {
		log.Fatalf("templates: %+v", err)
	}
	if config.IsDevelopment() && config.Templates.File != "" {
		watcher, err := templateSet.Watch(config.Templates.File, config.TemplateSource(), notifierLogger)
		if err != nil {
			log.Fatalf("watcher: %+v", err)
		}
		defer watcher.Close()
	}

	reportForStatus, err := config.ReportForStatus()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	var opts []notifier.Option
	if config.Notifier.EnrichConvo {
		opts = append(opts, notifier.WithEnricher(notifier.NewConversationEnricher(client, notifierLogger)))
	}
	sender := email.RateLimited(
		email.NewSMTPSender(config.Email.SMTPAddr, config.Email.Username, config.Email.Password),
		config.Email.Rate, 1)

	notifierService := notifier.New(notifier.Config{
		Name:            config.Name,
		Delay:           config.Notifier.Delay,
		ReportForStatus: reportForStatus,
		EmailDomain:     config.Email.Domain,
	}, q, receipts, resolver, templateSet, sender, notifierLogger, opts...)
	notifierService.Register()

	listenerLogger := newLogger(config, "email-listener")
	replyService := reply.New(reply.Config{
		Name:        config.Name,
		EmailDomain: config.Email.Domain,
	}, q, resolver, client, listenerLogger)
	replyService.Register()

	maintainer, err := queue.NewMaintainer(config.Queue.PurgeSchedule, queueLogger, maintenance...)
	if err != nil {
		log.Fatalf("maintenance: %+v", err)
	}

	if config.Server.PublicURL != "" {
		registerWebhook(ctx, config, client, reportForStatus, notifierLogger)
	}

	server := echo.New()
	server.Use(middleware.BodyLimit("100M"))
	server.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
	}))
	server.Use(echoprometheus.NewMiddleware("relay"))
	server.Use(middleware.Recover())

	server.Logger.SetLevel(log.INFO)

	tasks := &handlers.Tasks{}
	server.GET("/healthz", handlers.Health())
	server.POST(config.Server.WebhookPath, handlers.Receipts(notifierService, notifierLogger), handlers.WebhookAuth(config.Server.Secret))
	server.POST(config.Server.InboundPath, handlers.InboundEmail(replyService, tasks, listenerLogger))

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		if err := q.Run(ctx); err != nil {
			log.Fatalf("queue: %+v", err)
		}
	}()
	go func() {
		defer workers.Done()
		maintainer.Run(ctx)
	}()

	go func() {
		metrics := echo.New()
		metrics.HideBanner = true
		metrics.GET("/metrics", echoprometheus.NewHandler())
		if err := metrics.Start(":" + config.Server.MetricsPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	go func() {
		if err := server.Start(":" + config.Server.Port); err != nil && err != http.ErrServerClosed {
			server.Logger.Fatal("shutting down the server")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		server.Logger.Error(err)
	}
	tasks.Wait()
	workers.Wait()
}

func registerWebhook(ctx context.Context, config *boot.Config, client *platform.Client, reportForStatus []model.RecipientStatus, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	webhook, err := client.RegisterWebhook(ctx, platform.Webhook{
		TargetURL: config.WebhookURL(),
		Events:    model.ReceiptEvents,
		Secret:    config.Server.Secret,
		Config: map[string]interface{}{
			"name":              config.Name,
			"delay":             config.Notifier.Delay.String(),
			"report_for_status": reportForStatus,
		},
	})
	if err != nil {
		logger.Errorf("registering webhook at %s: %v", config.WebhookURL(), err)
		return
	}
	logger.Infof("webhook %s registered for %s", webhook.ID, webhook.TargetURL)
}
