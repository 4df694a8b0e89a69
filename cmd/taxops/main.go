// taxops is the admin CLI and worker entrypoint for the tax back office.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tributo-cl/backoffice/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand. Exit codes: 0 success, 1 configuration
// error, 2 runtime failure.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 1
	}
	switch args[1] {
	case "sync_contacts":
		return runSyncContacts(args[2:], stdout, stderr)
	case "generate_document_references":
		return runGenerateReferences(args[2:], stdout, stderr)
	case "seed_process_templates":
		return runSeedTemplates(args[2:], stdout, stderr)
	case "worker":
		return runWorker(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: taxops <command> [flags]

Commands:
  sync_contacts                 rebuild contacts from persisted documents
  generate_document_references  link credit/debit note back-references
  seed_process_templates        load the canonical process template catalog
  worker                        consume task queues and run the deadline monitor
  help                          show this message

Flags are per command; run a command with -h for its flags.
`)
}

// exitCode maps an error to the CLI exit convention.
func exitCode(err error) int {
	if errors.Is(err, config.ErrConfig) {
		return 1
	}
	return 2
}
