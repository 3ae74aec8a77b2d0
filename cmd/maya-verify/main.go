// maya-verify performs a license check against a māyā licensing server and
// exits 0 on allow, 1 on deny. It is the piece that ships inside the client
// application: it builds the machine identity, picks a retry profile and asks
// the server whether this install may run.
package main

import (
	"fmt"
	"os"

	"maya-licensing/internal/license"
	"maya-licensing/internal/logging"
	"maya-licensing/internal/machineid"
	"maya-licensing/internal/verifier"
)

const appVersion = "1.0.0"

func main() {
	serverURL := os.Getenv("MAYA_SERVER_URL")
	if serverURL == "" {
		fmt.Fprintln(os.Stderr, "MAYA_SERVER_URL is required")
		os.Exit(2)
	}

	token := os.Getenv("MAYA_LICENSE_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "MAYA_LICENSE_TOKEN is required")
		os.Exit(2)
	}

	logger := logging.New(logging.Config{
		Level:      os.Getenv("LOG_LEVEL"),
		JSONFormat: false,
	})

	builder := machineid.NewBuilder()
	machineID := builder.MachineID()

	mode := verifier.ModeFromEnv()
	logger.Debug().
		Str("mode", mode.Name).
		Str("machine_id", machineID).
		Msg("checking license")

	client := verifier.New(serverURL, mode, logger)
	verdict := client.CheckAccess(token, machineID, appVersion)

	if verdict.Allow {
		if verdict.Reason == license.ReasonExpiresSoon {
			fmt.Println("OK (warning: license expires soon, contact support to renew)")
		} else {
			fmt.Println("OK")
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Access denied: %s\n", verdict.Reason)
	os.Exit(1)
}
