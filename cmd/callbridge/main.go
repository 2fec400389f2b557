package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/callcontrol"
	"callbridge-server/pkg/config"
	http_server "callbridge-server/pkg/http"
	"callbridge-server/pkg/messaging"
	"callbridge-server/pkg/metrics"
	"callbridge-server/pkg/session"
	"callbridge-server/pkg/signaling"
	"callbridge-server/pkg/util"
)

var (
	logger = logrus.New()

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func main() {
	// JSON output from the first line; config may adjust it later
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	appConfig, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := appConfig.ApplyLogging(logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply logging configuration")
	}

	rootCtx, rootCancel = context.WithCancel(context.Background())
	defer rootCancel()

	metrics.StartMetrics(logger, appConfig.HTTP.Enabled)
	metrics.SetMetricsPath(appConfig.HTTP.MetricsPath)

	shutdown := util.NewGracefulShutdown(logger, 30*time.Second)

	sigClient, err := signaling.NewClient(logger, signaling.ClientConfig{
		ListenAddr:    appConfig.Signaling.ListenAddr,
		AdvertiseHost: appConfig.Signaling.AdvertiseHost,
		AdvertisePort: appConfig.Signaling.AdvertisePort,
		FromUser:      appConfig.Signaling.FromUser,
		RTPPort:       appConfig.Signaling.RTPPort,
		InviteTimeout: appConfig.Signaling.InviteTimeout,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create signaling client")
	}

	go func() {
		if err := sigClient.Listen(rootCtx); err != nil {
			logger.WithError(err).Error("Signaling listener stopped")
			rootCancel()
		}
	}()

	feedClient := callcontrol.NewFeedClient(logger, callcontrol.FeedConfig{
		APIURL:         appConfig.CallControl.APIURL,
		WSURL:          appConfig.CallControl.WSURL,
		AuthToken:      appConfig.CallControl.AuthToken,
		RequestTimeout: appConfig.CallControl.RequestTimeout,
		DialTimeout:    appConfig.CallControl.DialTimeout,
		ReconnectDelay: appConfig.CallControl.ReconnectDelay,
	})
	if appConfig.CallControl.WSURL != "" {
		if err := feedClient.Connect(rootCtx); err != nil {
			// The feed reconnects on its own once the service comes up
			logger.WithError(err).Warn("Initial call control feed connection failed")
		}
	}

	var publisher messaging.Publisher = messaging.NoopPublisher{}
	if appConfig.Messaging.Enabled() {
		amqpPublisher := messaging.NewAMQPPublisher(logger, messaging.AMQPConfig{
			URL:          appConfig.Messaging.AMQPUrl,
			QueueName:    appConfig.Messaging.AMQPQueueName,
			ExchangeName: appConfig.Messaging.ExchangeName,
			RoutingKey:   appConfig.Messaging.RoutingKey,
		})
		if err := amqpPublisher.Connect(); err != nil {
			logger.WithError(err).Warn("Failed to connect to AMQP, session events will be dropped until reconnect")
		}
		publisher = amqpPublisher
		shutdown.RegisterFunc("amqp_publisher", amqpPublisher.Disconnect, 40)
	}

	orchestrator := session.NewOrchestrator(logger, sigClient, feedClient)

	orchestrator.OnNewSession(func(s *session.Session) {
		publishEvent(publisher, messaging.EventSessionCreated, s)
	})
	orchestrator.OnSessionUpgraded(func(s *session.Session) {
		publishEvent(publisher, messaging.EventSessionUpgraded, s)
	})
	orchestrator.OnSessionRemoved(func(s *session.Session) {
		publishEvent(publisher, messaging.EventSessionDisconnected, s)
	})

	var httpServer *http_server.Server
	if appConfig.HTTP.Enabled {
		httpServer = http_server.NewServer(logger, &http_server.Config{
			Port:              appConfig.HTTP.Port,
			MetricsPath:       appConfig.HTTP.MetricsPath,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			DefaultFromNumber: appConfig.Calls.DefaultFromNumber,
			DefaultDeviceID:   appConfig.CallControl.DeviceID,
			HomeCountryID:     appConfig.Calls.HomeCountryID,
		}, orchestrator)
		httpServer.Start()
		shutdown.Register(util.ShutdownResource{
			Name:     "http_server",
			Priority: 10,
			Shutdown: httpServer.Shutdown,
		})
	}

	shutdown.RegisterFunc("orchestrator", orchestrator.Dispose, 20)
	shutdown.RegisterCloser("signaling_client", closerFunc(sigClient.Close), 30)
	shutdown.RegisterFunc("call_control_feed", feedClient.Disconnect, 30)

	logger.WithFields(logrus.Fields{
		"sip_listen":   appConfig.Signaling.ListenAddr,
		"http_enabled": appConfig.HTTP.Enabled,
		"amqp_enabled": appConfig.Messaging.Enabled(),
	}).Info("callbridge server started")

	waitForShutdown(shutdown)
}

func publishEvent(publisher messaging.Publisher, eventType messaging.EventType, s *session.Session) {
	event := messaging.SessionEvent{
		Type:               eventType,
		SessionID:          s.ID(),
		TelephonySessionID: s.TelephonySessionID(),
		Origin:             string(s.Origin()),
		State:              string(s.State()),
		Timestamp:          time.Now(),
	}
	if err := publisher.PublishSessionEvent(event); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"session_id": s.ID(),
			"type":       string(eventType),
		}).Debug("Failed to publish session event")
	}
}

func waitForShutdown(shutdown *util.GracefulShutdown) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal")
	case <-rootCtx.Done():
		logger.Info("Root context canceled, shutting down")
	}

	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	if err := shutdown.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Graceful shutdown finished with errors")
		os.Exit(1)
	}
}

// closerFunc adapts a close function to io.Closer
type closerFunc func() error

func (f closerFunc) Close() error { return f() }
