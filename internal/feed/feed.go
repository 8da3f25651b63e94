// Package feed reads fact exports from JSON-lines files laid out as
// <dir>/<property>/<source>/*.jsonl.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/searchpulse/internal/loader"
	"github.com/kalambet/searchpulse/internal/retry"
	"github.com/kalambet/searchpulse/internal/storage"
)

// ErrMalformed wraps each line that is not a valid feed record.
var ErrMalformed = errors.New("malformed feed record")

type searchRecord struct {
	Date        string  `json:"date"`
	Property    string  `json:"property"`
	Page        string  `json:"page"`
	Query       string  `json:"query"`
	Country     string  `json:"country"`
	Device      string  `json:"device"`
	Clicks      int64   `json:"clicks"`
	Impressions int64   `json:"impressions"`
	CTR         float64 `json:"ctr"`
	Position    float64 `json:"position"`
}

type behaviorRecord struct {
	Date            string `json:"date"`
	Property        string `json:"property"`
	Page            string `json:"page"`
	Sessions        int64  `json:"sessions"`
	EngagedSessions int64  `json:"engaged_sessions"`
	Conversions     int64  `json:"conversions"`
}

// Search reads Search Console rows.
type Search struct{ Dir string }

func (Search) Name() string { return loader.SourceSearch }

func (s Search) Fetch(ctx context.Context, property string, start, end time.Time) ([]storage.SearchFact, error) {
	return read(ctx, s.Dir, property, loader.SourceSearch, start, end, func(r searchRecord) (storage.SearchFact, string, string) {
		return storage.SearchFact{
			Property: r.Property, Page: r.Page, Query: r.Query, Country: r.Country, Device: r.Device,
			Clicks: r.Clicks, Impressions: r.Impressions, CTR: r.CTR, Position: r.Position,
		}, r.Date, r.Property
	}, func(f *storage.SearchFact, d time.Time, p string) { f.Date, f.Property = d, p })
}

// Behavior reads analytics rows.
type Behavior struct{ Dir string }

func (Behavior) Name() string { return loader.SourceBehavior }

func (b Behavior) Fetch(ctx context.Context, property string, start, end time.Time) ([]storage.BehaviorFact, error) {
	return read(ctx, b.Dir, property, loader.SourceBehavior, start, end, func(r behaviorRecord) (storage.BehaviorFact, string, string) {
		return storage.BehaviorFact{
			Property: r.Property, Page: r.Page,
			Sessions: r.Sessions, EngagedSessions: r.EngagedSessions, Conversions: r.Conversions,
		}, r.Date, r.Property
	}, func(f *storage.BehaviorFact, d time.Time, p string) { f.Date, f.Property = d, p })
}

// Dir returns the directory holding property's files for source.
func Dir(root, property, source string) string {
	return filepath.Join(root, escape(property), source)
}

// Properties lists the property directories under root.
func Properties(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading feed dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, unescape(e.Name()))
		}
	}
	return out, nil
}

// Property names such as "https://example.com/" are path-escaped.
func escape(p string) string { return url.PathEscape(p) }

func unescape(p string) string {
	if u, err := url.PathUnescape(p); err == nil {
		return u
	}
	return p
}

// read decodes every *.jsonl file for (property, source) and keeps rows
// dated within [start, end]. Rows without a property inherit it. Lines that
// cannot be decoded, or whose date cannot be parsed, are returned as a
// *loader.MalformedRows alongside the good rows; semantic checks are left to
// the loader's validation.
func read[Rec any, F any](ctx context.Context, root, property, source string, start, end time.Time,
	convert func(Rec) (F, string, string), set func(*F, time.Time, string)) ([]F, error) {
	dir := Dir(root, property, source)
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	sort.Strings(files)

	var out []F
	var malformed []error
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, bad, err := readFile(path, property, start, end, convert, set)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
		malformed = append(malformed, bad...)
	}
	if len(malformed) > 0 {
		return out, &loader.MalformedRows{Errs: malformed}
	}
	return out, nil
}

// datedLine decodes only the date, so a broken line dated outside the
// window is skipped rather than rejected.
type datedLine struct {
	Date string `json:"date"`
}

func readFile[Rec any, F any](path, property string, start, end time.Time,
	convert func(Rec) (F, string, string), set func(*F, time.Time, string)) ([]F, []error, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var out []F
	var malformed []error
	inWindow := func(d time.Time) bool { return !d.Before(start) && !d.After(end) }

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var rec Rec
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			var dl datedLine
			if json.Unmarshal([]byte(text), &dl) == nil {
				if d, derr := storage.ParseDay(dl.Date); derr == nil && !d.IsZero() && !inWindow(d) {
					continue
				}
			}
			malformed = append(malformed, fmt.Errorf("%w: %s:%d: %v", ErrMalformed, path, line, err))
			continue
		}
		fact, date, prop := convert(rec)
		d, err := storage.ParseDay(date)
		if err != nil || d.IsZero() {
			malformed = append(malformed, fmt.Errorf("%w: %s:%d: bad date %q", ErrMalformed, path, line, date))
			continue
		}
		if !inWindow(d) {
			continue
		}
		if prop == "" {
			prop = property
		}
		set(&fact, d, prop)
		out = append(out, fact)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return out, malformed, nil
}
