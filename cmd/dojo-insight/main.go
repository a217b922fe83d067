// dojo-insight answers questions about the findings held in a DefectDojo
// style vulnerability tracker.
//
//	dojo-insight serve                           # JSON API on :8080
//	dojo-insight findings --product MCLS --severity critical
//	dojo-insight summary top-products -n 3
//	dojo-insight analyze component_risk --severity critical,high
//	dojo-insight resolve product payments
//
// Configuration comes from config.yaml, .env and DOJO_* variables; see
// pkg/config.
package main

import (
	"fmt"
	"os"
)

const (
	appName    = "dojo-insight"
	appVersion = "1.0.0"
)

var exit = os.Exit

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "%s: fatal: %v\n", appName, r)
			exit(1)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
}
