// Command probe checks every configured source endpoint and prints a status
// report. With -persist the results are stored as source health records.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Ayash-Bera/agregador/internal/config"
	"github.com/Ayash-Bera/agregador/internal/database"
	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/repository"
	"github.com/Ayash-Bera/agregador/internal/sources/transparencia"
	"github.com/Ayash-Bera/agregador/pkg/utils"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var (
	only        = flag.String("sources", "", "Comma separated sources to probe (default: every enabled source)")
	persist     = flag.Bool("persist", false, "Store results in the source_health table")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	concurrent  = flag.Int("concurrent", 1, "Concurrent requests per host")
	delay       = flag.Duration("delay", time.Second, "Delay between requests to the same host")
	httpTimeout = flag.Duration("timeout", 10*time.Second, "Per-request timeout")
)

var credentialHeaders = map[string]string{
	transparencia.Name: transparencia.KeyHeader,
}

func main() {
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.NewLogger(cfg.LogLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	var names []string
	if *only != "" {
		names = strings.Split(*only, ",")
	}
	targets := TargetsFor(cfg, names, credentialHeaders)
	if len(targets) == 0 {
		logger.Fatal("Nothing to probe")
	}

	logger.WithField("endpoints", len(targets)).Info("Probing sources...")
	results := NewProber(*concurrent, *delay, *httpTimeout, logger).Run(targets)

	printReport(results)

	if *persist {
		if err := persistResults(cfg, results, logger); err != nil {
			logger.WithError(err).Fatal("Failed to persist probe results")
		}
	}

	for _, r := range results {
		if r.Status != models.StatusOK {
			os.Exit(1)
		}
	}
}

func printReport(results []ProbeResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tENDPOINT\tSTATUS\tHTTP\tTIME")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.Source, r.Endpoint, r.Status, r.StatusCode, r.Elapsed.Round(time.Millisecond))
	}
	w.Flush()
}

func persistResults(cfg *config.Config, results []ProbeResult, logger *logrus.Logger) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("-persist requires DATABASE_URL")
	}

	dbManager, err := database.NewManager(&database.Config{
		DatabaseURL: cfg.Database.URL,
		LogLevel:    cfg.LogLevel,
	}, logger)
	if err != nil {
		return err
	}
	defer dbManager.Close()

	if err := dbManager.Migrate(); err != nil {
		return err
	}

	repoManager := repository.NewRepositoryManager(dbManager.DB)
	for _, r := range results {
		if err := repoManager.SourceHealth.Upsert(r.ToHealth()); err != nil {
			return fmt.Errorf("failed to store %s %s: %w", r.Source, r.Endpoint, err)
		}
	}
	logger.WithField("records", len(results)).Info("Probe results stored")
	return nil
}
