// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/authrim/authrim/pkg/authn/didauth"
	"github.com/authrim/authrim/pkg/authn/emailotp"
	"github.com/authrim/authrim/pkg/authn/passkey"
	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/dpop"
	"github.com/authrim/authrim/pkg/keys"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/logout"
	"github.com/authrim/authrim/pkg/networking"
	"github.com/authrim/authrim/pkg/oauth"
	"github.com/authrim/authrim/pkg/samlsp"
	"github.com/authrim/authrim/pkg/server"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
	"github.com/authrim/authrim/pkg/users"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long: `Start the authorization server. State lives in sharded in-memory actors
by default; set redis.addr (or AUTHRIM_REDIS_ADDR) to share state across
replicas.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to the configuration file")
	serveCmd.Flags().String("clients", "", "Path to a JSON file of registered clients")

	for _, flag := range []string{"address", "config", "clients"} {
		if err := viper.BindPFlag(flag, serveCmd.Flags().Lookup(flag)); err != nil {
			logger.Errorf("Failed to bind %s flag: %v", flag, err)
			os.Exit(1)
		}
	}
}

// stateStores groups the ephemeral-state backends so the memory and Redis
// variants wire identically.
type stateStores struct {
	codes      store.AuthCodeStore
	par        store.PARStore
	challenges store.ChallengeStore
	sessions   store.SessionStore
	limiter    store.RateLimiter
	replay     store.ReplayStore
}

func buildStores(cfg *config.Config) (*stateStores, func()) {
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		logger.Infow("using Redis state backend", "addr", cfg.Redis.Addr)
		return &stateStores{
			codes:      store.NewRedisAuthCodeStore(client, cfg.Features.MaxCodesPerUser),
			par:        store.NewRedisPARStore(client),
			challenges: store.NewRedisChallengeStore(client),
			sessions:   store.NewRedisSessionStore(client),
			limiter:    store.NewRedisRateLimiter(client),
			replay:     store.NewRedisReplayStore(client),
		}, func() { _ = client.Close() }
	}

	codes := store.NewMemoryAuthCodeStore(cfg.ShardCount, cfg.Features.MaxCodesPerUser)
	par := store.NewMemoryPARStore(cfg.ShardCount)
	challenges := store.NewMemoryChallengeStore(cfg.ShardCount)
	sessions := store.NewMemorySessionStore(cfg.ShardCount)
	limiter := store.NewMemoryRateLimiter()
	replay := store.NewMemoryReplayStore()
	logger.Infow("using in-memory state backend", "shards", cfg.ShardCount)
	return &stateStores{
			codes:      codes,
			par:        par,
			challenges: challenges,
			sessions:   sessions,
			limiter:    limiter,
			replay:     replay,
		}, func() {
			codes.Close()
			par.Close()
			challenges.Close()
			sessions.Close()
			limiter.Close()
			replay.Close()
		}
}

func loadClients(path string) (*clients.MemoryStore, error) {
	cs := clients.NewMemoryStore()
	if path == "" {
		return cs, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading clients file: %w", err)
	}
	var registered []*clients.Client
	if err := json.Unmarshal(data, &registered); err != nil {
		return nil, fmt.Errorf("parsing clients file: %w", err)
	}
	for _, c := range registered {
		cs.Register(c)
	}
	logger.Infow("registered clients", "count", len(registered), "path", path)
	return cs, nil
}

// logSender stands in for a real mail integration: it logs the code at
// debug level so local and CI deployments can complete the ceremony.
type logSender struct{}

func (logSender) SendCode(_ context.Context, email, code string) error {
	logger.Debugw("email one-time code issued", "email", email, "code", code)
	return nil
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	address := viper.GetString("address")

	stores, closeStores := buildStores(cfg)
	defer closeStores()

	router := sharding.NewRouter(cfg.ShardCount, cfg.Region, cfg.Generation)

	km, err := keys.NewManager(
		keys.WithGracePeriod(cfg.Lifetimes.KeyGrace),
		keys.WithCacheTTL(cfg.Lifetimes.SigningKeyCache),
	)
	if err != nil {
		return fmt.Errorf("generating signing keys: %w", err)
	}
	go km.Run(ctx, cfg.Lifetimes.KeyRotation)

	clientStore, err := loadClients(viper.GetString("clients"))
	if err != nil {
		return err
	}
	registry := clients.NewRegistry(clientStore, cfg.Lifetimes.ClientCache)

	clientKeys, err := oauth.NewClientKeys(ctx)
	if err != nil {
		return fmt.Errorf("building client key cache: %w", err)
	}

	// Outbound fetches (request_uri documents, DID documents, client
	// JWKS) go through the SSRF-guarded client.
	fetchClient := networking.NewClientBuilder().
		WithTimeout(cfg.Fetch.Timeout).
		WithMaxRedirects(cfg.Fetch.MaxRedirects).
		WithAllowedDomains(cfg.Features.RequestURIAllowedDomains).
		Build()

	// Back-channel logout posts go to client-registered URLs, which are
	// not bound by the request_uri domain allowlist.
	backchannelClient := networking.NewClientBuilder().
		WithTimeout(cfg.Fetch.Timeout).
		Build()

	directory := users.NewMemoryDirectory()
	issuer := oauth.NewTokenIssuer(cfg, km, directory)
	dpopValidator := dpop.NewValidator(stores.replay, cfg.Lifetimes.DPoPProofMaxAge)
	validator := oauth.NewValidator(cfg)

	passkeys, err := passkey.New(cfg, stores.challenges, stores.sessions, directory, router)
	if err != nil {
		return fmt.Errorf("configuring passkeys: %w", err)
	}

	deps := server.Deps{
		Registry:   registry,
		Parser:     oauth.NewParser(cfg, stores.par, registry, km, clientKeys, fetchClient),
		Validator:  validator,
		Flow:       oauth.NewFlow(cfg, stores.codes, stores.challenges, stores.sessions, directory, issuer, router, dpopValidator),
		Tokens:     oauth.NewTokens(cfg, stores.codes, stores.sessions, issuer, km, dpopValidator, directory),
		PAR:        oauth.NewPushedRequests(cfg, stores.par, router, validator),
		Responder:  oauth.NewResponder(cfg, km, clientKeys),
		ClientAuth: oauth.NewClientAuthenticator(cfg, registry, clientKeys),
		Issuer:     issuer,
		Keys:       km,
		Router:     router,
		Codes:      stores.codes,
		Sessions:   stores.sessions,
		Challenges: stores.challenges,
		Limiter:    stores.limiter,
		Directory:  directory,
		EmailOTP:   emailotp.New(cfg, stores.challenges, stores.sessions, directory, stores.limiter, logSender{}, router),
		Passkeys:   passkeys,
		DIDs:       didauth.New(cfg, didauth.NewResolver(fetchClient, cfg.Fetch.MaxBodySize), stores.challenges, stores.sessions, directory, router),
		Logout:     logout.New(cfg, stores.sessions, registry, issuer, km, backchannelClient),
	}

	if cfg.SAML.Enabled {
		sp, serr := samlsp.New(cfg, stores.challenges, stores.sessions, directory, stores.replay, router)
		if serr != nil {
			return fmt.Errorf("configuring SAML bridge: %w", serr)
		}
		deps.SAML = sp
		logger.Infow("SAML bridge enabled", "idp", cfg.SAML.IDPIssuer)
	}

	logger.Infow("starting authorization server",
		"address", address,
		"issuer", cfg.IssuerURL,
		"shards", cfg.ShardCount,
		"region", cfg.Region)
	return server.New(cfg, deps).Serve(ctx, address)
}
