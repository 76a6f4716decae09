package main

import (
	"log"
	"os"

	"github.com/trezcool/lms-portal/core"
	"github.com/trezcool/lms-portal/core/auth"
	"github.com/trezcool/lms-portal/core/directory"
	"github.com/trezcool/lms-portal/core/tenant"
	directorysvc "github.com/trezcool/lms-portal/services/directory"
	logsvc "github.com/trezcool/lms-portal/services/logger"
	"github.com/trezcool/lms-portal/services/sandbox"
	"github.com/trezcool/lms-portal/services/tenantapi"
	"github.com/trezcool/lms-portal/storage/otpstore"
)

var logger *log.Logger

func main() {
	defer os.Exit(0)

	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	conf := core.NewConfig()
	appLogger := logsvc.NewRollbarLogger(logger, conf)

	var (
		dir      directory.Directory
		backends auth.BackendFactory
	)
	if conf.Sandbox.Enabled {
		platform, err := sandbox.New(sandbox.Options{
			FixedOTP: conf.Sandbox.FixedOTP,
			Codes:    otpstore.NewMemoryStore(),
			Logger:   appLogger,
		})
		errAndDie(err)
		errAndDie(platform.Seed())
		dir, backends = platform, platform.Backend
	} else {
		dir = directorysvc.NewClient(conf.DirectoryURL(), conf.Server.RequestTimeout)
		backends = tenantapi.NewFactory(conf.BackendURLTemplate(), conf.Server.RequestTimeout).Backend
	}

	locator, err := directory.NewLocator(dir, appLogger)
	errAndDie(err)

	// start CLI
	cli := commandLine{
		locator:  locator,
		resolver: tenant.NewResolver(conf.Tenancy),
		backends: backends,
		timeout:  conf.Server.RequestTimeout,
		out:      os.Stdout,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
