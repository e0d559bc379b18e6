package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"domainlens/pkg/dictionary"
	"domainlens/pkg/domainindex"
	"domainlens/pkg/logging"

	mdns "github.com/miekg/dns"
	"github.com/spf13/cobra"
)

type lookupOptions struct {
	path        string
	format      string
	limit       int
	noNormalize bool
	reverse     bool
	stats       bool
}

func newLookupCommand() *cobra.Command {
	var opts lookupOptions

	cmd := &cobra.Command{
		Use:   "lookup [flags] NAME...",
		Short: "Build an index from a dictionary file and look names up",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(cmd.Context(), cmd.OutOrStdout(), opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.path, "dict", "d", "", "Path to the dictionary file")
	f.StringVarP(&opts.format, "format", "f", "csv", "Dictionary format: csv, plain, hosts, adblock")
	f.IntVarP(&opts.limit, "limit", "n", 0, "Read at most this many names (0 = all)")
	f.BoolVar(&opts.noNormalize, "no-normalize", false, "Match names byte for byte")
	f.BoolVar(&opts.reverse, "reverse", false, "Keep the reverse index and print the stored name of each hit")
	f.BoolVar(&opts.stats, "stats", false, "Print index size, build time and process memory")
	_ = cmd.MarkFlagRequired("dict")
	return cmd
}

func runLookup(ctx context.Context, out io.Writer, opts lookupOptions, names []string) error {
	format, err := dictionary.ParseFormat(opts.format)
	if err != nil {
		return err
	}

	normalize := dictionary.NormalizerFor(!opts.noNormalize)
	loader := dictionary.NewLoader(logging.NewDiscard(), nil, normalize)

	startTime := time.Now()
	domains, err := loader.LoadFile(opts.path, format, opts.limit)
	if err != nil {
		return err
	}
	loadTime := time.Since(startTime)

	startTime = time.Now()
	idx := domainindex.Build(domains, domainindex.WithReverseIndex(opts.reverse))
	buildTime := time.Since(startTime)

	if opts.stats {
		fmt.Fprintf(out, "entries:    %d\n", len(domains))
		fmt.Fprintf(out, "domains:    %d\n", idx.Len())
		fmt.Fprintf(out, "slots:      %d\n", idx.Slots())
		fmt.Fprintf(out, "size_bytes: %d\n", idx.SizeBytes())
		fmt.Fprintf(out, "load_time:  %s\n", loadTime)
		fmt.Fprintf(out, "build_time: %s\n", buildTime)
		if rss, err := residentMemory(ctx); err == nil {
			fmt.Fprintf(out, "rss_bytes:  %d\n", rss)
		}
	}

	for _, name := range names {
		fmt.Fprintln(out, lookupLine(idx, normalize, name))
	}
	return nil
}

// lookupLine reports the outcome for one name as a single line.
func lookupLine(idx *domainindex.Index, normalize dictionary.Normalizer, name string) string {
	if _, ok := mdns.IsDomainName(name); !ok {
		return fmt.Sprintf("%s\tinvalid", name)
	}

	key := normalize(name)
	startTime := time.Now()
	res, ok := idx.Search(key)
	elapsed := time.Since(startTime)
	if !ok {
		return fmt.Sprintf("%s\tmiss\t%s", name, elapsed)
	}

	line := fmt.Sprintf("%s\thit\tindex=%d\t%s", name, res.Index, elapsed)
	if stored, ok := idx.Domain(res.Index); ok {
		line += "\tdomain=" + stored
	}
	return line
}
