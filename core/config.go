package core

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Env          string // DEV (local; default), TEST, QA, PROD
		Build        string
		Debug        bool
		TestMode     bool
		AppName      string
		SecretKey    string
		RollbarToken string

		Server   ServerConfig
		Tenancy  TenancyConfig
		Identity IdentityConfig
		Redis    RedisConfig
		Email    EmailConfig
		Sandbox  SandboxConfig
	}

	ServerConfig struct {
		Host               string
		Address            string
		DebugHost          string
		StaticDir          string
		ShutdownTimeout    time.Duration
		RequestTimeout     time.Duration
		SessionIdleTimeout time.Duration
		SessionTTL         time.Duration
		SecureCookies      bool
		LinkRateLimit      float64 // requests per second per IP on linking endpoints
		LinkRateBurst      int
	}

	TenancyConfig struct {
		RootDomain        string
		LocalRootLabel    string
		GatewayDomains    []string
		DirectoryURL      string
		LocalDirectoryURL string
		// {address} is replaced by the tenant's service address
		BackendURLTemplate      string
		LocalBackendURLTemplate string
		DevPort                 int
	}

	IdentityConfig struct {
		IssuerURL      string
		LocalIssuerURL string
		AuthURL        string // overrides the discovered authorization endpoint
		ClientID       string
		RedirectPath   string
		LoginTimeout   time.Duration
		SessionMaxAge  time.Duration
	}

	RedisConfig struct {
		Address  string
		Password string
		DB       int
	}

	EmailConfig struct {
		DefaultFromEmail string
		SendgridAPIKey   string
	}

	SandboxConfig struct {
		Enabled  bool
		FixedOTP string
	}
)

// IsLocalDev reports whether the gateway runs against local development hosts.
func (c *Config) IsLocalDev() bool {
	return c.Env == "DEV" || c.Env == "TEST"
}

// DirectoryURL returns the local or hosted directory endpoint.
func (c *Config) DirectoryURL() string {
	if c.IsLocalDev() {
		return c.Tenancy.LocalDirectoryURL
	}
	return c.Tenancy.DirectoryURL
}

// BackendURLTemplate returns the local or hosted tenant backend URL template.
func (c *Config) BackendURLTemplate() string {
	if c.IsLocalDev() {
		return c.Tenancy.LocalBackendURLTemplate
	}
	return c.Tenancy.BackendURLTemplate
}

// IdentityIssuer returns the local or hosted identity provider issuer.
func (c *Config) IdentityIssuer() string {
	if c.IsLocalDev() && c.Identity.LocalIssuerURL != "" {
		return c.Identity.LocalIssuerURL
	}
	return c.Identity.IssuerURL
}

func NewConfig() *Config {
	conf := viper.New()

	// defaults
	conf.SetTypeByDefaultValue(true)
	conf.SetDefault("debug", true)
	conf.SetDefault("build", "develop")
	conf.SetDefault("appName", "LMS Portal")
	conf.SetDefault("secretKey", "k3v9-tq)ab$+12=xz&lmsp(h!x)#*c2(#yg4h^$cegm2emy")
	conf.SetDefault("rollbarToken", "")

	conf.SetDefault("server.host", "localhost")
	conf.SetDefault("server.address", ":3000")
	conf.SetDefault("server.debugHost", ":4000")
	conf.SetDefault("server.staticDir", "")
	conf.SetDefault("server.shutdownTimeout", 5*time.Second)
	conf.SetDefault("server.requestTimeout", 10*time.Second)
	conf.SetDefault("server.sessionIdleTimeout", 30*time.Minute)
	conf.SetDefault("server.sessionTTL", 7*24*time.Hour)
	conf.SetDefault("server.secureCookies", false)
	conf.SetDefault("server.linkRateLimit", 1.0)
	conf.SetDefault("server.linkRateBurst", 5)

	conf.SetDefault("tenancy.rootDomain", "lms.app")
	conf.SetDefault("tenancy.localRootLabel", "lms")
	conf.SetDefault("tenancy.gatewayDomains", []string{"ic0.app", "icp0.io"})
	conf.SetDefault("tenancy.directoryURL", "https://ic0.app")
	conf.SetDefault("tenancy.localDirectoryURL", "http://127.0.0.1:4943")
	conf.SetDefault("tenancy.backendURLTemplate", "https://{address}.icp0.io")
	conf.SetDefault("tenancy.localBackendURLTemplate", "http://{address}.localhost:4943")
	conf.SetDefault("tenancy.devPort", 3000)

	conf.SetDefault("identity.issuerURL", "https://identity.ic0.app")
	conf.SetDefault("identity.localIssuerURL", "http://localhost:4943")
	conf.SetDefault("identity.authURL", "")
	conf.SetDefault("identity.clientID", "lms-portal")
	conf.SetDefault("identity.redirectPath", "/auth/callback")
	conf.SetDefault("identity.loginTimeout", 10*time.Minute)
	conf.SetDefault("identity.sessionMaxAge", 7*24*time.Hour)

	conf.SetDefault("redis.address", "")
	conf.SetDefault("redis.password", "")
	conf.SetDefault("redis.db", 0)

	conf.SetDefault("email.defaultFromEmail", "noreply@localhost")
	conf.SetDefault("email.sendgridAPIKey", "")

	conf.SetDefault("sandbox.enabled", false)
	conf.SetDefault("sandbox.fixedOTP", "")

	env := strings.ToUpper(os.Getenv("ENV"))
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		conf.SetDefault("testMode", true)
		conf.SetDefault("sandbox.enabled", true)
		conf.SetDefault("sandbox.fixedOTP", "123456")
	}
	conf.SetEnvPrefix(env)
	conf.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	if wd, err := os.Getwd(); err == nil {
		dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
		if _, err := os.Stat(dotEnvPath); err == nil {
			if err := godotenv.Load(dotEnvPath); err != nil {
				log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
			}
		} else if !os.IsNotExist(err) {
			log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
		}
	}
	conf.AutomaticEnv()

	return &Config{
		Env:          env,
		Build:        conf.GetString("build"),
		Debug:        conf.GetBool("debug"),
		TestMode:     conf.GetBool("testMode"),
		AppName:      conf.GetString("appName"),
		SecretKey:    conf.GetString("secretKey"),
		RollbarToken: conf.GetString("rollbarToken"),
		Server: ServerConfig{
			Host:               conf.GetString("server.host"),
			Address:            conf.GetString("server.address"),
			DebugHost:          conf.GetString("server.debugHost"),
			StaticDir:          conf.GetString("server.staticDir"),
			ShutdownTimeout:    conf.GetDuration("server.shutdownTimeout"),
			RequestTimeout:     conf.GetDuration("server.requestTimeout"),
			SessionIdleTimeout: conf.GetDuration("server.sessionIdleTimeout"),
			SessionTTL:         conf.GetDuration("server.sessionTTL"),
			SecureCookies:      conf.GetBool("server.secureCookies"),
			LinkRateLimit:      conf.GetFloat64("server.linkRateLimit"),
			LinkRateBurst:      conf.GetInt("server.linkRateBurst"),
		},
		Tenancy: TenancyConfig{
			RootDomain:        conf.GetString("tenancy.rootDomain"),
			LocalRootLabel:    conf.GetString("tenancy.localRootLabel"),
			GatewayDomains:    conf.GetStringSlice("tenancy.gatewayDomains"),
			DirectoryURL:      conf.GetString("tenancy.directoryURL"),
			LocalDirectoryURL: conf.GetString("tenancy.localDirectoryURL"),
			DevPort:           conf.GetInt("tenancy.devPort"),

			BackendURLTemplate:      conf.GetString("tenancy.backendURLTemplate"),
			LocalBackendURLTemplate: conf.GetString("tenancy.localBackendURLTemplate"),
		},
		Identity: IdentityConfig{
			IssuerURL:      conf.GetString("identity.issuerURL"),
			LocalIssuerURL: conf.GetString("identity.localIssuerURL"),
			AuthURL:        conf.GetString("identity.authURL"),
			ClientID:       conf.GetString("identity.clientID"),
			RedirectPath:   conf.GetString("identity.redirectPath"),
			LoginTimeout:   conf.GetDuration("identity.loginTimeout"),
			SessionMaxAge:  conf.GetDuration("identity.sessionMaxAge"),
		},
		Redis: RedisConfig{
			Address:  conf.GetString("redis.address"),
			Password: conf.GetString("redis.password"),
			DB:       conf.GetInt("redis.db"),
		},
		Email: EmailConfig{
			DefaultFromEmail: conf.GetString("email.defaultFromEmail"),
			SendgridAPIKey:   conf.GetString("email.sendgridAPIKey"),
		},
		Sandbox: SandboxConfig{
			Enabled:  conf.GetBool("sandbox.enabled"),
			FixedOTP: conf.GetString("sandbox.fixedOTP"),
		},
	}
}
