package main

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"council-agent/handler"
	"council-agent/internal/auth"
	"council-agent/internal/config"
	"council-agent/internal/integrations/gemini"
	"council-agent/internal/integrations/openai"
	"council-agent/internal/integrations/paramstore"
	"council-agent/internal/quota"
	"council-agent/internal/repository"
	"council-agent/internal/sqlitestore"
	"council-agent/internal/usecase"
)

// store is implemented by both persistence backends.
type store interface {
	usecase.ConsultationStore
	quota.Counter
}

type app struct {
	Handler *handler.Handler

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// build wires every component from cfg. Nothing outside this file reads
// configuration.
func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	secrets, err := resolveSecrets(ctx, cfg, true)
	if err != nil {
		return fail(err)
	}

	st, err := openStore(ctx, cfg, a)
	if err != nil {
		return fail(err)
	}

	counter, err := openCounter(ctx, cfg, st, a)
	if err != nil {
		return fail(err)
	}
	ledger, err := quota.NewLedger(counter, cfg.DailyLimit)
	if err != nil {
		return fail(err)
	}

	llm, err := newLLM(ctx, cfg, secrets.llm)
	if err != nil {
		return fail(err)
	}

	svc, err := usecase.NewDeliberationService(llm, st, ledger,
		usecase.WithLogger(logger),
		usecase.WithMaxConsultationLength(cfg.MaxConsultationLength),
	)
	if err != nil {
		return fail(err)
	}

	if secrets.jwt == "" {
		logger.Warn("jwt_secret_missing", zap.String("effect", "bearer tokens resolve as invalid"))
	}
	h, err := handler.NewHandler(svc,
		handler.WithIdentityResolver(auth.NewVerifier(secrets.jwt, cfg.AuthIssuer)),
		handler.WithLogger(logger),
		handler.WithCORSOrigin(cfg.CORSOrigin),
	)
	if err != nil {
		return fail(err)
	}
	a.Handler = h

	logger.Info("wired",
		zap.String("store", cfg.StoreBackend),
		zap.String("quota", cfg.QuotaBackend),
		zap.String("llm", cfg.LLMProvider),
		zap.Int("daily_limit", cfg.DailyLimit),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, a *app) (store, error) {
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		s, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		return repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable,
			repository.WithCreatedAtIndex(cfg.ConsultationsIndex),
		)
	}
}

func openCounter(ctx context.Context, cfg config.Config, st store, a *app) (quota.Counter, error) {
	if cfg.QuotaBackend != config.QuotaRedis {
		return st, nil
	}
	rc, err := quota.NewRedisCounter(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rc.Close)
	return rc, nil
}

func newLLM(ctx context.Context, cfg config.Config, apiKey string) (usecase.LLMClient, error) {
	switch cfg.LLMProvider {
	case config.ProviderGemini:
		return gemini.NewClient(ctx, apiKey, cfg.GeminiModel)
	default:
		opts := []openai.Option{openai.WithModel(cfg.OpenAIModel)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		return openai.NewClient(apiKey, opts...)
	}
}

type secretSet struct {
	llm string
	jwt string
}

// resolveSecrets prefers values from cfg and looks the rest up in SSM when
// a parameter prefix is configured. The LLM key is required only when
// needLLM is set.
func resolveSecrets(ctx context.Context, cfg config.Config, needLLM bool) (secretSet, error) {
	out := secretSet{jwt: cfg.AuthJWTSecret}
	llmLeaf := paramstore.OpenAITokenParam
	out.llm = cfg.OpenAIAPIKey
	if cfg.LLMProvider == config.ProviderGemini {
		llmLeaf = paramstore.GeminiTokenParam
		out.llm = cfg.GeminiAPIKey
	}

	wantLLM := needLLM && out.llm == ""
	wantJWT := out.jwt == ""
	if cfg.ParamPrefix != "" && (wantLLM || wantJWT) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return secretSet{}, fmt.Errorf("load AWS config: %w", err)
		}
		ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return secretSet{}, err
		}

		g, gctx := errgroup.WithContext(ctx)
		if wantLLM {
			g.Go(func() error {
				v, err := ps.Token(gctx, paramstore.Name(cfg.ParamPrefix, llmLeaf))
				if err != nil {
					return fmt.Errorf("resolve %s: %w", llmLeaf, err)
				}
				out.llm = v
				return nil
			})
		}
		if wantJWT {
			g.Go(func() error {
				v, err := ps.Token(gctx, paramstore.Name(cfg.ParamPrefix, paramstore.JWTSecretParam))
				if err != nil {
					// Verification is optional; an absent secret only disables it.
					return nil
				}
				out.jwt = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return secretSet{}, err
		}
	}

	if needLLM && out.llm == "" {
		return secretSet{}, errors.New("no API key configured for " + cfg.LLMProvider)
	}
	return out, nil
}
