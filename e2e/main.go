// Package main is the orchestrator for end-to-end testing of keyfront.
// It builds the gateway plus its test origin and forward-proxy binaries,
// starts one gateway process per scenario with a generated config, and
// runs a test suite covering routing, credential injection, header
// hygiene, rate limiting, admission gates, streaming timeouts, CORS,
// egress proxying, TLS/HTTP3, and the admin surface.
//
// Usage:
//
//	go run ./e2e setup      — build binaries and start all processes
//	go run ./e2e test       — run E2E tests (processes must be up)
//	go run ./e2e teardown   — stop all processes
//	go run ./e2e all        — setup → test → teardown
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		doSetup()
	case "test":
		doTest()
	case "teardown":
		doTeardown()
	case "all":
		doSetup()
		ok := doTest()
		doTeardown()

		if !ok {
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: go run ./e2e <command>

Commands:
  setup      Build keyfront + test binaries and start every scenario process
  test       Run the full E2E test suite (processes must already be up)
  teardown   Stop all harness-managed processes
  all        setup → test → teardown (full cycle)`)
}

func doSetup() {
	banner("SETUP: Provisioning local E2E environment")

	setupInfrastructure()

	banner("SETUP COMPLETE")
	info("One gateway process per scenario is running; state is in %s", stateFile())
}

func doTest() bool {
	banner("RUNNING E2E TESTS")

	passed := runAllTests()

	if passed {
		banner("ALL TESTS PASSED")
	} else {
		banner("SOME TESTS FAILED")
	}

	return passed
}

func doTeardown() {
	banner("TEARDOWN")

	teardownInfrastructure()

	banner("TEARDOWN COMPLETE")
}
