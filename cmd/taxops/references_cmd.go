package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/tributo-cl/backoffice/pkg/ingest"
)

// runGenerateReferences links credit/debit notes to the documents they
// reference. Idempotent; already linked rows are never revisited.
func runGenerateReferences(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("generate_document_references", flag.ContinueOnError)
	fs.SetOutput(stderr)
	companyID := fs.String("company-id", "", "restrict to one company (ID or tax identifier)")
	limit := fs.Int("limit", 500, "maximum references resolved in this pass")
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

	scope := ""
	if *companyID != "" {
		targets, err := a.companiesFor(ctx, *companyID)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitCode(err)
		}
		scope = targets[0].ID
	}

	linker := ingest.NewReferenceLinker(a.log, a.docs)
	res, err := linker.Link(ctx, scope, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "examined=%d linked=%d missing=%d\n", res.Examined, res.Linked, res.Missing)
		fmt.Fprintln(stderr, err)
		return 2
	}
	fmt.Fprintf(stdout, "examined=%d linked=%d missing=%d\n", res.Examined, res.Linked, res.Missing)
	return 0
}
