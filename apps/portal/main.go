package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	echoapi "github.com/trezcool/lms-portal/apps/portal/echo"
	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/auth"
	"github.com/trezcool/lms-portal/core/directory"
	"github.com/trezcool/lms-portal/core/identity"
	"github.com/trezcool/lms-portal/core/tenant"
	directorysvc "github.com/trezcool/lms-portal/services/directory"
	emailsvc "github.com/trezcool/lms-portal/services/email"
	identitysvc "github.com/trezcool/lms-portal/services/identity"
	logsvc "github.com/trezcool/lms-portal/services/logger"
	"github.com/trezcool/lms-portal/services/sandbox"
	"github.com/trezcool/lms-portal/services/tenantapi"
	"github.com/trezcool/lms-portal/storage/otpstore"
)

// tenancy is everything that differs between the sandbox and real tenants.
type tenancy struct {
	directory directory.Directory
	providers echoapi.ProviderFactory
	backends  auth.BackendFactory
	issuer    echoapi.TokenIssuer
}

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "PORTAL : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	translator := core.NewTranslator()
	validate := core.NewValidator(translator)
	core.ParseEmailTemplates(conf.AppName, logger)

	var (
		tn  tenancy
		err error
	)
	if conf.Sandbox.Enabled {
		tn, err = setUpSandbox(conf, logger)
	} else {
		tn, err = setUpRemote(conf)
	}
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up tenancy: %v", err), err)
	}

	locator, err := directory.NewLocator(tn.directory, logger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up locator: %v", err), err)
	}

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.NewString("sandbox").Set(fmt.Sprint(conf.Sandbox.Enabled))

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Portal Service

	server, err := echoapi.NewServer(echoapi.ServerDeps{
		Conf:       conf,
		Logger:     logger,
		Resolver:   tenant.NewResolver(conf.Tenancy),
		Locator:    locator,
		Providers:  tn.providers,
		Backends:   tn.backends,
		Validate:   validate,
		Translator: translator,
		Sandbox:    tn.issuer,
	})
	if err != nil {
		logger.Fatal(fmt.Sprintf("creating server: %v", err), err)
	}

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

// setUpSandbox serves seeded in-process tenants with a built-in identity provider.
func setUpSandbox(conf *core.Config, logger core.Logger) (tenancy, error) {
	codes, err := setUpCodeStore(conf)
	if err != nil {
		return tenancy{}, err
	}

	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	platform, err := sandbox.New(sandbox.Options{
		FixedOTP: conf.Sandbox.FixedOTP,
		Codes:    codes,
		Mail:     mailSvc,
		Logger:   logger,
	})
	if err != nil {
		return tenancy{}, err
	}
	if err = platform.Seed(); err != nil {
		return tenancy{}, err
	}

	idp := sandbox.NewIdentityProvider(conf.SecretKey, echoapi.SandboxAuthorizePath, conf.Identity.SessionMaxAge)
	return tenancy{
		directory: platform,
		providers: func(string) identity.Provider { return idp },
		backends:  platform.Backend,
		issuer:    idp,
	}, nil
}

// setUpRemote talks to the tenant directory, the tenant backends and the OpenID provider.
func setUpRemote(conf *core.Config) (tenancy, error) {
	ctx, cancel := context.WithTimeout(context.Background(), conf.Server.RequestTimeout)
	defer cancel()

	provider, err := identitysvc.NewProvider(ctx, identitysvc.Options{
		Issuer:       conf.IdentityIssuer(),
		AuthURL:      conf.Identity.AuthURL,
		ClientID:     conf.Identity.ClientID,
		SkipKeyFetch: conf.IsLocalDev() && conf.Debug,
	})
	if err != nil {
		return tenancy{}, err
	}

	backends := tenantapi.NewFactory(conf.BackendURLTemplate(), conf.Server.RequestTimeout)
	return tenancy{
		directory: directorysvc.NewClient(conf.DirectoryURL(), conf.Server.RequestTimeout),
		providers: func(baseURL string) identity.Provider {
			return provider.WithRedirectURL(baseURL + conf.Identity.RedirectPath)
		},
		backends: backends.Backend,
	}, nil
}

// setUpCodeStore keeps sandbox passcodes in redis when configured, in memory otherwise.
func setUpCodeStore(conf *core.Config) (otpstore.Store, error) {
	if conf.Redis.Address == "" {
		return otpstore.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Address,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), conf.Server.RequestTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "pinging redis at %s", conf.Redis.Address)
	}
	return otpstore.NewRedisStore(client), nil
}
