// Package knowledge loads the static, hand-curated documents that ground
// every generated answer and assembles them into per-domain context blobs.
//
// There is no retrieval index: the resolved domain alone selects which
// documents are injected, so user text can never steer the context. All
// documents are read once at startup into an immutable snapshot; reloading
// builds a complete new snapshot and swaps it atomically.
package knowledge

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/kbrengel/talkingrock/pkg/types"
)

// truncationMarker is appended when a document had to be cut to fit the
// context budget.
const truncationMarker = "\n[Content truncated]"

// Status summarises how complete the assembled context for a domain is.
type Status string

const (
	// StatusSuccess means every registered source was loaded.
	StatusSuccess Status = "success"

	// StatusPartial means some sources were missing on disk.
	StatusPartial Status = "partial"

	// StatusNoContext means the domain has no loadable content at all.
	StatusNoContext Status = "no_context"

	// StatusInsufficient means content exists but is placeholder or too
	// sparse to ground an answer.
	StatusInsufficient Status = "insufficient"
)

// Result is the assembled context for one domain.
type Result struct {
	Status         Status
	Context        string
	SourcesLoaded  []string
	SourcesMissing []string
	TotalLength    int
	IsPlaceholder  bool
	Quality        float64
}

// Config configures a Registry.
type Config struct {
	// Dir is the root directory holding the context documents.
	Dir string

	// MaxContextChars bounds the assembled context per domain.
	// Defaults to 32000.
	MaxContextChars int

	// Sources overrides the built-in source registry. Nil means
	// DefaultSources().
	Sources []Source
}

// Registry holds the loaded knowledge snapshot and answers domain lookups.
//
// Lookups read an immutable snapshot through an atomic pointer, so Retrieve
// never blocks on a concurrent reload. All methods are safe for concurrent
// use.
type Registry struct {
	dir      string
	maxChars int
	sources  []Source
	byDomain map[types.Domain][]Source

	snap atomic.Pointer[snapshot]
}

// snapshot is one immutable generation of loaded context.
type snapshot struct {
	results     map[types.Domain]Result
	fingerprint [sha256.Size]byte
	loadedAt    time.Time
	chars       int
}

// New creates a registry. Call Load before the first Retrieve.
func New(cfg Config) *Registry {
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 32000
	}
	sources := cfg.Sources
	if sources == nil {
		sources = DefaultSources()
	}

	byDomain := make(map[types.Domain][]Source)
	for _, src := range sources {
		byDomain[src.Domain] = append(byDomain[src.Domain], src)
	}
	for domain, list := range byDomain {
		ordered := make([]Source, len(list))
		copy(ordered, list)
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].Required != ordered[j].Required {
				return ordered[i].Required
			}
			return ordered[i].Priority > ordered[j].Priority
		})
		byDomain[domain] = ordered
	}

	return &Registry{
		dir:      cfg.Dir,
		maxChars: cfg.MaxContextChars,
		sources:  sources,
		byDomain: byDomain,
	}
}

// Load reads every registered document and swaps in a freshly assembled
// snapshot. Missing files are tolerated (their sources are reported as
// missing per domain); an unreadable context directory is not.
func (r *Registry) Load(ctx context.Context) error {
	if _, err := os.Stat(r.dir); err != nil {
		return fmt.Errorf("knowledge: context dir: %w", err)
	}

	fp := r.statFingerprint()

	var mu sync.Mutex
	contents := make(map[string]string, len(r.sources))

	g, ctx := errgroup.WithContext(ctx)
	for _, src := range r.sources {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(filepath.Join(r.dir, src.Path))
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					slog.Warn("knowledge: unreadable document, treating as missing",
						"source", src.Name, "path", src.Path, "err", err)
				}
				return nil
			}
			mu.Lock()
			contents[src.Name] = strings.TrimSpace(string(data))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("knowledge: load: %w", err)
	}

	results := make(map[types.Domain]Result, len(r.byDomain))
	chars := 0
	for domain, sources := range r.byDomain {
		res := assemble(sources, contents, r.maxChars)
		results[domain] = res
		chars += res.TotalLength
	}

	r.snap.Store(&snapshot{
		results:     results,
		fingerprint: fp,
		loadedAt:    time.Now(),
		chars:       chars,
	})
	return nil
}

// Ready reports whether a snapshot has been loaded.
func (r *Registry) Ready() bool {
	return r.snap.Load() != nil
}

// Retrieve returns the assembled context for a domain. OUT_OF_SCOPE and
// unknown domains yield an empty no-context result, as does any lookup
// before the first Load.
func (r *Registry) Retrieve(domain types.Domain) Result {
	if domain == types.DomainOutOfScope {
		return Result{Status: StatusNoContext}
	}
	snap := r.snap.Load()
	if snap == nil {
		return Result{Status: StatusNoContext}
	}
	res, ok := snap.results[domain]
	if !ok {
		return Result{Status: StatusNoContext}
	}
	return res
}

// AvailableSources lists registered source names grouped by domain, in
// assembly order.
func (r *Registry) AvailableSources() map[string][]string {
	out := make(map[string][]string, len(r.byDomain))
	for domain, sources := range r.byDomain {
		names := make([]string, len(sources))
		for i, src := range sources {
			names[i] = src.Name
		}
		out[domain.String()] = names
	}
	return out
}

// Stats reports snapshot occupancy for health and admin views.
type Stats struct {
	Domains      int       `json:"domains"`
	Sources      int       `json:"sources"`
	ContextChars int       `json:"context_chars"`
	LoadedAt     time.Time `json:"loaded_at"`
}

// GetStats returns current snapshot occupancy. Zero values before Load.
func (r *Registry) GetStats() Stats {
	snap := r.snap.Load()
	if snap == nil {
		return Stats{Sources: len(r.sources)}
	}
	return Stats{
		Domains:      len(snap.results),
		Sources:      len(r.sources),
		ContextChars: snap.chars,
		LoadedAt:     snap.loadedAt,
	}
}

// assemble concatenates a domain's documents in order under the character
// budget. Each document gets a "## Display" heading and documents are
// separated by a horizontal rule. Truncation is aligned to document
// boundaries: a document that does not fit is dropped along with everything
// after it, except that a first document larger than the whole budget is
// cut (at a rune boundary) so a domain with content never assembles empty.
func assemble(sources []Source, contents map[string]string, maxChars int) Result {
	var parts []string
	var loaded, missing []string
	total := 0

	for _, src := range sources {
		if total >= maxChars {
			break
		}
		content, ok := contents[src.Name]
		if !ok || content == "" {
			missing = append(missing, src.Name)
			continue
		}
		if len(content) > maxChars-total {
			if len(parts) > 0 {
				break
			}
			content = truncateRunes(content, maxChars) + truncationMarker
		}
		parts = append(parts, "## "+src.Display+"\n\n"+content)
		loaded = append(loaded, src.Name)
		total += len(content)
	}

	context := strings.Join(parts, "\n\n---\n\n")
	hasPlaceholder := isPlaceholder(context)
	quality := scoreQuality(context, len(loaded), len(missing), hasPlaceholder)

	var status Status
	switch {
	case len(loaded) == 0:
		status = StatusNoContext
	case hasPlaceholder || len(context) < minUsefulContextLength:
		status = StatusInsufficient
	case len(missing) > 0:
		status = StatusPartial
	default:
		status = StatusSuccess
	}

	return Result{
		Status:         status,
		Context:        context,
		SourcesLoaded:  loaded,
		SourcesMissing: missing,
		TotalLength:    len(context),
		IsPlaceholder:  hasPlaceholder,
		Quality:        quality,
	}
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// statFingerprint hashes the size and mtime of every registered document.
// Cheap enough to run on every watcher poll; content is only re-read when
// it changes.
func (r *Registry) statFingerprint() [sha256.Size]byte {
	h := sha256.New()
	for _, src := range r.sources {
		path := filepath.Join(r.dir, src.Path)
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(h, "%s:absent\n", src.Path)
			continue
		}
		fmt.Fprintf(h, "%s:%d:%d\n", src.Path, info.Size(), info.ModTime().UnixNano())
	}
	var fp [sha256.Size]byte
	h.Sum(fp[:0])
	return fp
}
