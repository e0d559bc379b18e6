// Package dictionary turns domain lists into domain indexes and keeps the
// active index fresh.
//
// Loading is split from matching: a Loader reads an ordered list of names from
// a file or URL, Build turns it into a domainindex.Index, a Holder publishes the
// current index to readers, and a Manager rebuilds and swaps it when the source
// changes.
package dictionary

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"domainlens/pkg/logging"
)

// Format is the layout of a dictionary source.
type Format string

// Supported formats
const (
	// FormatCSV is a one-column CSV file whose first record may be the header
	// "domain" (the Cloudflare Radar top-domains layout). Extra columns are
	// ignored.
	FormatCSV Format = "csv"

	// FormatPlain is one name per line; '#' starts a comment.
	FormatPlain Format = "plain"

	// FormatHosts is the /etc/hosts layout: an address followed by names.
	FormatHosts Format = "hosts"

	// FormatAdblock is the ||name^ layout; '!' starts a comment.
	FormatAdblock Format = "adblock"
)

var (
	// ErrUnknownFormat is returned for a format not listed above.
	ErrUnknownFormat = errors.New("unknown dictionary format")

	// ErrNoSource is returned when a Source has neither a path nor a URL.
	ErrNoSource = errors.New("dictionary source has no path or url")

	// ErrDownloadTooLarge is returned when a download exceeds the loader's cap.
	ErrDownloadTooLarge = errors.New("dictionary download too large")
)

// DefaultMaxDownloadBytes caps a downloaded dictionary.
const DefaultMaxDownloadBytes int64 = 256 << 20

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatCSV, FormatPlain, FormatHosts, FormatAdblock:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Source names where a dictionary comes from. Exactly one of Path or URL is set.
type Source struct {
	Path   string
	URL    string
	Format Format
	// Limit caps the number of names read; 0 means no limit.
	Limit int
}

func (s Source) String() string {
	if s.URL != "" {
		return s.URL
	}
	return s.Path
}

// Loader reads dictionaries from files and URLs.
type Loader struct {
	client    *http.Client
	logger    *logging.Logger
	normalize Normalizer
	maxBytes  int64
}

// NewLoader creates a loader. A nil client gets a default client with a long
// timeout for large lists; a nil normalizer means TrimRoot.
func NewLoader(logger *logging.Logger, client *http.Client, normalize Normalizer) *Loader {
	if client == nil {
		client = &http.Client{
			Timeout: 60 * time.Second,
		}
	}
	if normalize == nil {
		normalize = TrimRoot
	}
	return &Loader{
		client:    client,
		logger:    logger,
		normalize: normalize,
		maxBytes:  DefaultMaxDownloadBytes,
	}
}

// SetMaxDownloadBytes caps the body size Download accepts. n <= 0 restores
// DefaultMaxDownloadBytes.
func (l *Loader) SetMaxDownloadBytes(n int64) {
	if n <= 0 {
		n = DefaultMaxDownloadBytes
	}
	l.maxBytes = n
}

// Load reads the names listed by src, in order. Duplicates are kept; the index
// build keeps the first occurrence.
func (l *Loader) Load(ctx context.Context, src Source) ([]string, error) {
	switch {
	case src.URL != "":
		return l.Download(ctx, src.URL, src.Format, src.Limit)
	case src.Path != "":
		return l.LoadFile(src.Path, src.Format, src.Limit)
	default:
		return nil, ErrNoSource
	}
}

// LoadFile reads a dictionary from disk.
func (l *Loader) LoadFile(path string, format Format, limit int) ([]string, error) {
	startTime := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dictionary: %w", err)
	}
	defer func() { _ = f.Close() }()

	names, err := l.Parse(f, format, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dictionary %s: %w", path, err)
	}

	l.logger.Info("Dictionary loaded",
		"path", path,
		"format", format,
		"domains", len(names),
		"duration", time.Since(startTime))
	return names, nil
}

// Download fetches a dictionary over HTTP.
func (l *Loader) Download(ctx context.Context, url string, format Format, limit int) ([]string, error) {
	l.logger.Info("Downloading dictionary", "url", url)
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download dictionary: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if resp.ContentLength > l.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrDownloadTooLarge, resp.ContentLength, l.maxBytes)
	}

	body := &cappedReader{r: io.LimitReader(resp.Body, l.maxBytes+1), left: l.maxBytes}
	names, err := l.Parse(body, format, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dictionary: %w", err)
	}

	l.logger.Info("Dictionary downloaded",
		"url", url,
		"domains", len(names),
		"duration", time.Since(startTime))
	return names, nil
}

// cappedReader fails with ErrDownloadTooLarge once more than left bytes
// have been read.
type cappedReader struct {
	r    io.Reader
	left int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return n, ErrDownloadTooLarge
	}
	return n, err
}

// Parse reads names from r in the given format.
func (l *Loader) Parse(r io.Reader, format Format, limit int) ([]string, error) {
	switch format {
	case FormatCSV:
		return l.parseCSV(r, limit)
	case FormatPlain, FormatHosts, FormatAdblock:
		return l.parseLines(r, format, limit)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func (l *Loader) parseCSV(r io.Reader, limit int) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	var names []string
	for first := true; ; first = false {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading csv: %w", err)
		}

		field := strings.TrimSpace(record[0])
		if first && strings.EqualFold(field, "domain") {
			continue
		}
		if l.add(&names, field) && limit > 0 && len(names) >= limit {
			break
		}
	}
	return names, nil
}

func (l *Loader) parseLines(r io.Reader, format Format, limit int) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	lineCount := 0

	for scanner.Scan() {
		lineCount++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		for _, name := range extractNames(line, format) {
			if l.add(&names, name) && limit > 0 && len(names) >= limit {
				return names, nil
			}
		}

		// Log progress for large files
		if lineCount%100000 == 0 {
			l.logger.Debug("Parsing dictionary", "lines", lineCount, "domains", len(names))
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading dictionary: %w", err)
	}
	return names, nil
}

// add appends the normalized form of raw and reports whether it did.
func (l *Loader) add(names *[]string, raw string) bool {
	name := l.normalize(raw)
	if name == "" {
		return false
	}
	*names = append(*names, name)
	return true
}

// extractNames pulls the names out of one non-empty, trimmed line.
func extractNames(line string, format Format) []string {
	switch format {
	case FormatAdblock:
		if strings.HasPrefix(line, "!") || !strings.HasPrefix(line, "||") {
			return nil
		}
		name, _, found := strings.Cut(strings.TrimPrefix(line, "||"), "^")
		if !found {
			return nil
		}
		return []string{strings.TrimSpace(name)}

	case FormatHosts:
		if comment := strings.IndexByte(line, '#'); comment >= 0 {
			line = line[:comment]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil
		}
		names := fields[1:]
		out := names[:0]
		for _, name := range names {
			if !isLocalhost(name) {
				out = append(out, name)
			}
		}
		return out

	default:
		if strings.HasPrefix(line, "#") {
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || isLocalhost(fields[0]) {
			return nil
		}
		return fields[:1]
	}
}

func isLocalhost(name string) bool {
	return name == "localhost" || name == "localhost.localdomain"
}
