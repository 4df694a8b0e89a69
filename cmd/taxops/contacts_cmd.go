package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/tributo-cl/backoffice/pkg/contacts"
)

// runSyncContacts rebuilds contacts from persisted documents, applying
// the same derivation rules as the ingest hook.
func runSyncContacts(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sync_contacts", flag.ContinueOnError)
	fs.SetOutput(stderr)
	companyID := fs.String("company-id", "", "restrict to one company (ID or tax identifier)")
	dryRun := fs.Bool("dry-run", false, "report counters without writing")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitCode(err)
	}
	defer a.Close()

	targets, err := a.companiesFor(ctx, *companyID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitCode(err)
	}

	deriver := contacts.NewDeriver(a.log, a.contacts)
	var total contacts.RebuildResult
	for _, company := range targets {
		res, err := deriver.Rebuild(ctx, a.db, a.docs, company, *dryRun)
		total.Documents += res.Documents
		total.Created += res.Created
		total.Updated += res.Updated
		total.Skipped += res.Skipped
		if err != nil {
			fmt.Fprintf(stderr, "rebuild %s: %v\n", company.TaxID, err)
			printRebuild(stderr, total, *dryRun)
			return 2
		}
	}
	printRebuild(stdout, total, *dryRun)
	return 0
}

func printRebuild(w io.Writer, r contacts.RebuildResult, dryRun bool) {
	mode := ""
	if dryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "documents=%d created=%d updated=%d skipped=%d%s\n",
		r.Documents, r.Created, r.Updated, r.Skipped, mode)
}
