package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/todoledger/todo-client/internal/config"
	txcrypto "github.com/todoledger/todo-client/internal/crypto"
	"github.com/todoledger/todo-client/internal/envelope"
	"github.com/todoledger/todo-client/internal/logging"
	"github.com/todoledger/todo-client/internal/service"
	"github.com/todoledger/todo-client/internal/storage"
	"github.com/todoledger/todo-client/internal/storage/postgres"
	"github.com/todoledger/todo-client/internal/storage/sqlite"
)

const tracerName = "github.com/todoledger/todo-client"

type Options struct {
	DryRun bool
	// HTTPTransport replaces http.DefaultTransport underneath the logging transport.
	HTTPTransport http.RoundTripper
}

type Application struct {
	Submitter *service.Submitter
	Txn       *service.TxnService
	Journal   storage.Journal
	Logger    *slog.Logger

	tracerProvider *sdktrace.TracerProvider
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Application, error) {
	tracer, tp := newTracer(cfg, logger)

	env := logging.Environment{
		Service: cfg.Logging.Service,
		Version: cfg.Logging.Version,
		Commit:  cfg.Logging.Commit,
		Region:  cfg.Logging.Region,
	}
	client := &http.Client{
		Timeout:   cfg.HTTPTimeout(),
		Transport: logging.Transport(opts.HTTPTransport, logger, env),
	}

	submitter, err := service.NewSubmitter(service.SubmitterParams{
		BaseURL:           cfg.Ledger.BaseURL,
		HTTPClient:        client,
		PollInterval:      cfg.PollInterval(),
		MaxPolls:          cfg.Poll.MaxPolls,
		MaxNetworkRetries: cfg.Poll.MaxNetworkRetries,
		BackoffBase:       cfg.BackoffBase(),
		BackoffMax:        cfg.BackoffMax(),
		RequestsPerSecond: cfg.Poll.RequestsPerSecond,
		Logger:            logger,
		Tracer:            tracer,
	})
	if err != nil {
		shutdownTracer(tp)
		return nil, fmt.Errorf("build submitter: %w", err)
	}

	journal := storage.Journal(storage.NopJournal{})
	if !opts.DryRun {
		journal, err = openJournal(ctx, cfg)
		if err != nil {
			shutdownTracer(tp)
			return nil, err
		}
	}

	txn, err := service.NewTxnService(service.TxnParams{
		Submitter: submitter,
		Builder:   envelope.Builder{Family: envelope.Family{Name: cfg.Family.Name, Version: cfg.Family.Version}},
		Namespace: cfg.Family.Namespace,
		Journal:   journal,
		Logger:    logger,
		Tracer:    tracer,
		DryRun:    opts.DryRun,
	})
	if err != nil {
		journal.Close()
		shutdownTracer(tp)
		return nil, fmt.Errorf("build txn service: %w", err)
	}

	return &Application{
		Submitter:      submitter,
		Txn:            txn,
		Journal:        journal,
		Logger:         logger,
		tracerProvider: tp,
	}, nil
}

func (a *Application) Shutdown(ctx context.Context) error {
	defer a.Journal.Close()
	if a.tracerProvider == nil {
		return nil
	}
	return a.tracerProvider.Shutdown(ctx)
}

// LoadSigner reads the signing key named by cfg. The key is only held by the
// returned signer; callers drop it after one submission.
func LoadSigner(cfg *config.Config) (*txcrypto.Signer, error) {
	switch {
	case cfg.Keys.PrivateKeyPath != "":
		signer, err := txcrypto.LoadSigner(cfg.Keys.PrivateKeyPath)
		if err != nil {
			return nil, service.NewError(service.KindInvalidKey, service.StageKey, "load private key file", false, err)
		}
		return signer, nil
	case cfg.Keys.PassphraseEnv != "":
		passphrase, ok := os.LookupEnv(cfg.Keys.PassphraseEnv)
		if !ok {
			return nil, service.NewError(service.KindInvalidKey, service.StageKey, cfg.Keys.PassphraseEnv+" is not set", false, nil)
		}
		signer, err := txcrypto.SignerFromPassphrase(passphrase)
		if err != nil {
			return nil, service.NewError(service.KindInvalidKey, service.StageKey, "derive key from passphrase", false, err)
		}
		return signer, nil
	default:
		return nil, service.NewError(service.KindInvalidKey, service.StageKey, "no key source configured", false, errors.New("set keys.private_key_path or keys.passphrase_env"))
	}
}

func openJournal(ctx context.Context, cfg *config.Config) (storage.Journal, error) {
	switch cfg.Journal.Driver {
	case config.JournalPostgres:
		store, err := postgres.Open(ctx, cfg.Journal.DSN, cfg.Journal.MaxConns, cfg.Journal.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres journal: %w", err)
		}
		return store, nil
	case config.JournalSQLite:
		store, err := sqlite.Open(ctx, cfg.Journal.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		return store, nil
	default:
		return storage.NopJournal{}, nil
	}
}

func newTracer(cfg *config.Config, logger *slog.Logger) (trace.Tracer, *sdktrace.TracerProvider) {
	if !cfg.Tracing.Enabled {
		return noop.NewTracerProvider().Tracer(tracerName), nil
	}
	tp := newTracerProvider(cfg.Tracing.ServiceName, cfg.Logging.Version, newSpanLogExporter(logger))
	return tp.Tracer(tracerName), tp
}

func shutdownTracer(tp *sdktrace.TracerProvider) {
	if tp != nil {
		_ = tp.Shutdown(context.Background())
	}
}
