package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/trezcool/lms-portal/core/auth"
	"github.com/trezcool/lms-portal/core/directory"
	"github.com/trezcool/lms-portal/core/tenant"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	locator  *directory.Locator
	resolver *tenant.Resolver
	backends auth.BackendFactory
	timeout  time.Duration
	out      io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  tenants                                  - list every tenant")
	fmt.Fprintln(cli.out, "  suggest -q QUERY [-n N]                  - tenants resembling QUERY")
	fmt.Fprintln(cli.out, "  resolve -host HOST [-query QUERY]        - tenant served at HOST and its service address")
	fmt.Fprintln(cli.out, "  lookup -tenant ID                        - service address of a tenant")
	fmt.Fprintln(cli.out, "  url -tenant ID [-path PATH] [-local]     - portal URL of a tenant")
	fmt.Fprintln(cli.out, "  preprovisioned -tenant ID -id UNI_ID     - pre-provisioned record; the credential is prompted next")
}

func (cli *commandLine) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cli.timeout)
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	suggestCmd := flag.NewFlagSet("suggest", flag.ContinueOnError)
	suggestQuery := suggestCmd.String("q", "", "What the user typed.")
	suggestN := suggestCmd.Int("n", 3, "How many suggestions at most.")

	resolveCmd := flag.NewFlagSet("resolve", flag.ContinueOnError)
	resolveHost := resolveCmd.String("host", "", "The hostname the portal is served at, port included or not.")
	resolveQuery := resolveCmd.String("query", "", "The raw query string, for gateway domains.")

	lookupCmd := flag.NewFlagSet("lookup", flag.ContinueOnError)
	lookupTenant := lookupCmd.String("tenant", "", "The tenant id.")

	urlCmd := flag.NewFlagSet("url", flag.ContinueOnError)
	urlTenant := urlCmd.String("tenant", "", "The tenant id.")
	urlPath := urlCmd.String("path", "/", "The portal path.")
	urlLocal := urlCmd.Bool("local", false, "Use the local development host.")

	recordCmd := flag.NewFlagSet("preprovisioned", flag.ContinueOnError)
	recordTenant := recordCmd.String("tenant", "", "The tenant id.")
	recordID := recordCmd.String("id", "", "The university id. The caller's credential will be prompted next.")

	for _, fs := range []*flag.FlagSet{suggestCmd, resolveCmd, lookupCmd, urlCmd, recordCmd} {
		fs.SetOutput(cli.out)
	}

	switch args[1] {
	case "tenants":
		return cli.listTenants()
	case "suggest":
		if err := suggestCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *suggestQuery == "" {
			suggestCmd.Usage()
			return errHelp
		}
		return cli.suggest(*suggestQuery, *suggestN)
	case "resolve":
		if err := resolveCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resolveHost == "" {
			resolveCmd.Usage()
			return errHelp
		}
		return cli.resolve(*resolveHost, *resolveQuery)
	case "lookup":
		if err := lookupCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *lookupTenant == "" {
			lookupCmd.Usage()
			return errHelp
		}
		return cli.lookup(*lookupTenant)
	case "url":
		if err := urlCmd.Parse(args[2:]); err != nil {
			return err
		}
		if !tenant.IsValidID(*urlTenant) {
			urlCmd.Usage()
			return errHelp
		}
		fmt.Fprintln(cli.out, cli.resolver.TenantURL(*urlTenant, *urlPath, *urlLocal))
		return nil
	case "preprovisioned":
		if err := recordCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *recordTenant == "" || *recordID == "" {
			recordCmd.Usage()
			return errHelp
		}
		fmt.Fprint(cli.out, "Enter credential:")
		cred, err := readPasswordFunc(int(syscall.Stdin))
		fmt.Fprintln(cli.out)
		if err != nil {
			return err
		}
		if len(cred) == 0 {
			recordCmd.Usage()
			return errHelp
		}
		return cli.preProvisioned(*recordTenant, *recordID, string(cred))
	default:
		cli.printUsage()
		return errHelp
	}
}
