package main

import (
	"encoding/json"

	"github.com/trezcool/lms-portal/core/identity"
)

// preProvisioned prints the pre-provisioned record of universityID as the holder of credential sees it.
func (cli *commandLine) preProvisioned(tenantID, universityID, credential string) error {
	ctx, cancel := cli.context()
	defer cancel()
	addr, err := cli.locator.ResolveServiceAddress(ctx, tenantID)
	if err != nil {
		return err
	}

	caller := identity.Identity{Credential: credential}
	rec, err := cli.backends(addr).PreProvisionedUser(ctx, caller, universityID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cli.out)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
