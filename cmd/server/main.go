// Command server runs the Zyneth account service: registration, login,
// email verification and Google federated login over MongoDB.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	zyneth "github.com/only1Mrjoshua/Zyneth"
	zoauth "github.com/only1Mrjoshua/Zyneth/oauth2"
	"github.com/only1Mrjoshua/Zyneth/stores"
)

func main() {
	fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newMongoDatabase,
			newStore,
			newTokenIssuer,
			newEmailSender,
			newService,
			newGoogleExchanger,
			newSessionManager,
			newServer,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger}
		}),
		fx.Invoke(registerHTTPServer),
	).Run()
}

func newConfig() zyneth.Config {
	return zyneth.FromEnv()
}

func newLogger(cfg zyneth.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newMongoDatabase(lc fx.Lifecycle, cfg zyneth.Config, logger *zap.Logger) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	logger.Info("connected to mongodb", zap.String("database", cfg.MongoDatabase))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Disconnect(ctx)
		},
	})
	return client.Database(cfg.MongoDatabase), nil
}

func newStore(lc fx.Lifecycle, db *mongo.Database, cfg zyneth.Config, logger *zap.Logger) zyneth.AccountStore {
	store := stores.NewMongoStore(db, logger, cfg.StoreTimeout)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return store.EnsureIndexes(ctx)
		},
	})
	return store
}

func newTokenIssuer(cfg zyneth.Config, logger *zap.Logger) *zyneth.TokenIssuer {
	secret := cfg.JWTSecret
	if secret == "" {
		if !cfg.IsDevelopment() {
			logger.Fatal("JWT_SECRET must be set in production")
		}
		logger.Warn("JWT_SECRET not set, using development fallback")
		secret = "dev-only-insecure-secret"
	}
	return &zyneth.TokenIssuer{
		SecretKey: secret,
		Issuer:    cfg.JWTIssuer,
		Expiry:    zyneth.TokenExpiryAccess,
	}
}

func newEmailSender(cfg zyneth.Config, logger *zap.Logger) zyneth.OTPEmailSender {
	if cfg.SMTPHost == "" {
		if !cfg.IsDevelopment() {
			logger.Fatal("SMTP_HOST must be set in production")
		}
		logger.Warn("SMTP not configured, verification codes go to the log")
		return &zyneth.ConsoleOTPSender{Logger: logger}
	}
	return zyneth.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
}

func newService(store zyneth.AccountStore, tokens *zyneth.TokenIssuer, email zyneth.OTPEmailSender, cfg zyneth.Config, logger *zap.Logger) *zyneth.AccountService {
	return zyneth.NewAccountService(store, tokens, email, logger,
		zyneth.WithDevMode(cfg.IsDevelopment()))
}

func newGoogleExchanger(cfg zyneth.Config, logger *zap.Logger) zoauth.Exchanger {
	google := zoauth.NewGoogle(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	if !google.Configured() {
		logger.Warn("google oauth credentials not set, federated login disabled")
		return nil
	}
	return google
}

func newSessionManager() *scs.SessionManager {
	session := scs.New()
	session.Lifetime = 24 * time.Hour
	session.Cookie.HttpOnly = true
	session.Cookie.SameSite = http.SameSiteLaxMode
	return session
}

func newServer(service *zyneth.AccountService, tokens *zyneth.TokenIssuer, session *scs.SessionManager, google zoauth.Exchanger, cfg zyneth.Config, logger *zap.Logger) *zyneth.Server {
	return zyneth.NewServer(service, tokens, session, google, cfg, logger)
}

func registerHTTPServer(lc fx.Lifecycle, server *zyneth.Server, cfg zyneth.Config, logger *zap.Logger) {
	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			listener, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			logger.Info("http server listening", zap.String("addr", cfg.Addr))
			go func() {
				if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})
}
