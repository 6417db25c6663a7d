/*
main.go - Library admin CLI

PURPOSE:
  Operates on the configured record store directly, without the server:
  run a reconciliation pass, inspect fines, send overdue notices, show or
  change the library rules, load demo data.

COMMANDS:
  libraryctl reconcile [--json] [--notify]
  libraryctl fines list [--unpaid] [--student ID]
  libraryctl notify <studentID> | --all
  libraryctl settings show
  libraryctl settings set [--borrow-days N] [--fine-per-day D] [--max-books N]
  libraryctl scenario load <id>

GLOBAL FLAGS:
  --config  YAML config file
  --store   memory | sqlite | badger
  --db      Store path
*/
package main

import (
	"fmt"
	"os"
)

const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}
