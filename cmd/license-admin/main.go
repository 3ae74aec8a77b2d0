// license-admin is an interactive operator tool working directly against the
// license database: issue, renew, reset devices, list, stats.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"maya-licensing/config"
	"maya-licensing/internal/database"
	"maya-licensing/internal/license"
	"maya-licensing/internal/logging"
)

func main() {
	fmt.Println("========================================")
	fmt.Println(" māyā License Administration Tool")
	fmt.Println("========================================")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: "warn", JSONFormat: false})

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		fmt.Printf("Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		fmt.Printf("Failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	repo := database.NewRepository(db)
	policy := license.NewPolicy(cfg.LicenseConfig, cfg.ScannerConfig.WarnDays)
	engine := license.NewEngine(repo, policy, logger)

	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Println("\nOptions:")
		fmt.Println("  1. Issue new license")
		fmt.Println("  2. Renew license (extends expiry, resets devices)")
		fmt.Println("  3. Reset devices for a license")
		fmt.Println("  4. List licenses")
		fmt.Println("  5. Show stats")
		fmt.Println("  6. Exit")
		fmt.Print("\nSelect option: ")

		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		switch input {
		case "1":
			issueLicense(ctx, reader, engine)
		case "2":
			renewLicense(ctx, reader, engine)
		case "3":
			resetDevices(ctx, reader, engine)
		case "4":
			listLicenses(ctx, repo)
		case "5":
			showStats(ctx, repo)
		case "6":
			fmt.Println("Goodbye!")
			os.Exit(0)
		default:
			fmt.Println("Invalid option")
		}
	}
}

func issueLicense(ctx context.Context, reader *bufio.Reader, engine *license.Engine) {
	fmt.Print("\nOwner email: ")
	email, _ := reader.ReadString('\n')
	email = strings.TrimSpace(email)
	if email == "" {
		fmt.Println("Email is required")
		return
	}

	result, err := engine.Issue(ctx, email, time.Now().UTC())
	if err != nil {
		fmt.Printf("Failed to issue license: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	fmt.Printf("  License Code: %s\n", result.Code)
	fmt.Printf("  Owner:        %s\n", result.Email)
	fmt.Printf("  Expires:      %s\n", result.ExpiresAt.Format("2006-01-02"))
	fmt.Println("========================================")
}

func renewLicense(ctx context.Context, reader *bufio.Reader, engine *license.Engine) {
	fmt.Print("\nLicense code: ")
	code, _ := reader.ReadString('\n')
	code = strings.TrimSpace(strings.ToUpper(code))

	result, err := engine.Renew(ctx, code, time.Now().UTC())
	if err != nil {
		fmt.Printf("Failed to renew license: %v\n", err)
		return
	}

	fmt.Printf("\nRenewed %s\n", result.Code)
	fmt.Printf("  Old expiry: %s\n", result.OldExpiresAt.Format("2006-01-02"))
	fmt.Printf("  New expiry: %s\n", result.NewExpiresAt.Format("2006-01-02"))
	fmt.Printf("  Devices removed: %d\n", result.RemovedDevices)
}

func resetDevices(ctx context.Context, reader *bufio.Reader, engine *license.Engine) {
	fmt.Print("\nLicense code: ")
	code, _ := reader.ReadString('\n')
	code = strings.TrimSpace(strings.ToUpper(code))

	removed, err := engine.ResetDevices(ctx, code)
	if err != nil {
		fmt.Printf("Failed to reset devices: %v\n", err)
		return
	}

	fmt.Printf("Removed %d device(s) from %s\n", removed, code)
}

func listLicenses(ctx context.Context, repo *database.Repository) {
	licenses, total, err := repo.ListLicenses(ctx, false, 50, 0)
	if err != nil {
		fmt.Printf("Failed to list licenses: %v\n", err)
		return
	}

	fmt.Printf("\n%-16s %-30s %-12s %s\n", "CODE", "EMAIL", "EXPIRES", "ACTIVE")
	for _, lic := range licenses {
		fmt.Printf("%-16s %-30s %-12s %v\n",
			lic.Code, lic.Email, lic.ExpiresAt.Format("2006-01-02"), lic.Active)
	}
	fmt.Printf("\nTotal: %d\n", total)
}

func showStats(ctx context.Context, repo *database.Repository) {
	stats, err := repo.GetLicenseStats(ctx)
	if err != nil {
		fmt.Printf("Failed to get stats: %v\n", err)
		return
	}

	fmt.Println("\n========================================")
	fmt.Printf("  Total licenses:  %d\n", stats.Total)
	fmt.Printf("  Active:          %d\n", stats.Active)
	fmt.Printf("  Expired:         %d\n", stats.Expired)
	fmt.Printf("  Bound devices:   %d\n", stats.TotalDevices)
	fmt.Println("========================================")
}
