package main

import (
	"fmt"
	"text/tabwriter"
)

func (cli *commandLine) listTenants() error {
	ctx, cancel := cli.context()
	defer cancel()
	tenants, err := cli.locator.Tenants(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACTIVE\tADDRESS")
	for _, t := range tenants {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", t.ID, t.Name, t.IsActive, t.ServiceAddress)
	}
	return w.Flush()
}

func (cli *commandLine) suggest(query string, n int) error {
	ctx, cancel := cli.context()
	defer cancel()
	tenants, err := cli.locator.Suggest(ctx, query, n)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		fmt.Fprintf(cli.out, "%s\t%s\n", t.ID, t.Name)
	}
	return nil
}

// resolve prints the tenant context derived from host and, when a tenant was detected, its service address.
func (cli *commandLine) resolve(host, rawQuery string) error {
	tc := cli.resolver.Resolve(host, rawQuery)
	w := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "tenant\t%s\n", tc.TenantID())
	fmt.Fprintf(w, "multi-tenant\t%v\n", tc.IsMultiTenant)
	fmt.Fprintf(w, "local dev\t%v\n", tc.IsLocalDev)
	fmt.Fprintf(w, "directory\t%s\n", tc.ServiceEndpoint)
	if err := w.Flush(); err != nil {
		return err
	}
	if err := tc.Validate(); err != nil {
		return err
	}
	return cli.lookup(tc.TenantID())
}

func (cli *commandLine) lookup(tenantID string) error {
	ctx, cancel := cli.context()
	defer cancel()
	addr, err := cli.locator.ResolveServiceAddress(ctx, tenantID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, addr)
	return nil
}
