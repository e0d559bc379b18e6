package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"domainlens/pkg/config"
	"domainlens/pkg/storage"

	mdns "github.com/miekg/dns"
	"github.com/spf13/cobra"
)

var errQueryLogDisabled = errors.New("query log is disabled; set storage.enabled or pass --db")

type statsOptions struct {
	configPath string
	dbPath     string
	since      time.Duration
	limit      int
	offset     int
	domain     string
	json       bool
}

// statsReport is what the stats command prints.
type statsReport struct {
	Statistics *storage.Statistics    `json:"statistics"`
	TopDomains []*storage.DomainStats `json:"top_domains"`
	Queries    []*storage.QueryLog    `json:"queries"`
}

func newStatsCommand() *cobra.Command {
	var opts statsOptions

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the query log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	f.StringVar(&opts.dbPath, "db", "", "Path to the query log database (overrides storage.path)")
	f.DurationVar(&opts.since, "since", 24*time.Hour, "Aggregate queries logged within this window")
	f.IntVarP(&opts.limit, "limit", "n", 10, "Number of top domains and queries to print")
	f.IntVar(&opts.offset, "offset", 0, "Skip this many recent queries")
	f.StringVar(&opts.domain, "domain", "", "Only list queries for this name")
	f.BoolVar(&opts.json, "json", false, "Print the report as JSON")
	return cmd
}

// statsConfig resolves the storage settings for the stats command. Without a
// config file the defaults apply and --db enables the log.
func statsConfig(opts statsOptions) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.LoadWithDefaults()
	}
	if opts.dbPath != "" {
		cfg.Storage.Enabled = true
		cfg.Storage.Path = opts.dbPath
	}
	if !cfg.Storage.Enabled {
		return nil, errQueryLogDisabled
	}
	return cfg, nil
}

func runStats(ctx context.Context, out io.Writer, opts statsOptions) error {
	if opts.limit <= 0 {
		return errors.New("--limit must be positive")
	}

	cfg, err := statsConfig(opts)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Storage.Path); err != nil {
		return fmt.Errorf("query log %s: %w", cfg.Storage.Path, err)
	}

	storageCfg := storage.FromConfig(cfg.Storage)
	queryLog, err := storage.New(&storageCfg, nil)
	if err != nil {
		return fmt.Errorf("failed to open query log: %w", err)
	}
	defer func() { _ = queryLog.Close() }()

	if err := queryLog.Ping(ctx); err != nil {
		return fmt.Errorf("query log unavailable: %w", err)
	}

	report := statsReport{}
	report.Statistics, err = queryLog.GetStatistics(ctx, time.Now().Add(-opts.since))
	if err != nil {
		return err
	}
	report.TopDomains, err = queryLog.GetTopDomains(ctx, opts.limit)
	if err != nil {
		return err
	}
	if opts.domain != "" {
		report.Queries, err = queryLog.GetQueriesByDomain(ctx, mdns.Fqdn(opts.domain), opts.limit)
	} else {
		report.Queries, err = queryLog.GetRecentQueries(ctx, opts.limit, opts.offset)
	}
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStats(out, &report)
	return nil
}

func printStats(out io.Writer, r *statsReport) {
	s := r.Statistics
	fmt.Fprintf(out, "since:          %s\n", s.Since.Format(time.RFC3339))
	fmt.Fprintf(out, "total_queries:  %d\n", s.TotalQueries)
	fmt.Fprintf(out, "matched:        %d (%.1f%%)\n", s.MatchedQueries, s.MatchRate)
	fmt.Fprintf(out, "unique_domains: %d\n", s.UniqueDomains)
	fmt.Fprintf(out, "unique_clients: %d\n", s.UniqueClients)
	fmt.Fprintf(out, "avg_response:   %.3fms\n", s.AvgResponseTimeMs)

	outcomes := make([]string, 0, len(s.Outcomes))
	for outcome := range s.Outcomes {
		outcomes = append(outcomes, outcome)
	}
	slices.Sort(outcomes)
	for _, outcome := range outcomes {
		fmt.Fprintf(out, "outcome.%s: %d\n", outcome, s.Outcomes[outcome])
	}

	fmt.Fprintln(out, "\ntop domains:")
	for _, d := range r.TopDomains {
		fmt.Fprintf(out, "%d\t%s\tmatched=%t\n", d.QueryCount, d.Domain, d.Matched)
	}

	fmt.Fprintln(out, "\nqueries:")
	for _, q := range r.Queries {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%.3fms\n",
			q.Timestamp.Format(time.RFC3339), q.ClientIP, q.Domain, q.QueryType, q.Outcome, q.ResponseTimeMs)
	}
}
