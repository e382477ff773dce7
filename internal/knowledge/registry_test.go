package knowledge_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kbrengel/talkingrock/internal/knowledge"
	"github.com/kbrengel/talkingrock/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func writeDoc(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

// filler pads a document with neutral prose so it clears the sparse-content
// threshold without tripping the placeholder patterns.
func filler(n int) string {
	return strings.Repeat("Kellogg builds and operates cloud infrastructure. ", n)
}

func professionalSources() []knowledge.Source {
	return []knowledge.Source{
		{Name: "skills", Display: "Skills", Path: "professional/skills.md", Domain: types.DomainProfessional, Required: true, Priority: 10},
		{Name: "resume", Display: "Resume", Path: "professional/resume.md", Domain: types.DomainProfessional, Required: true, Priority: 8},
		{Name: "achievements", Display: "Achievements", Path: "professional/achievements.md", Domain: types.DomainProfessional, Priority: 3},
	}
}

func loadedRegistry(t *testing.T, dir string, sources []knowledge.Source) *knowledge.Registry {
	t.Helper()
	reg := knowledge.New(knowledge.Config{Dir: dir, Sources: sources})
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return reg
}

// ── Load and Retrieve ────────────────────────────────────────────────────────

func TestRetrieve_AssemblyHeadersAndSeparators(t *testing.T) {
	dir := t.TempDir()
	skills := "Go, Python, Terraform, Kubernetes. " + filler(5)
	resume := "Cloud infrastructure engineer since 2015. " + filler(5)
	writeDoc(t, dir, "professional/skills.md", skills)
	writeDoc(t, dir, "professional/resume.md", resume)
	writeDoc(t, dir, "professional/achievements.md", "Led the platform migration. "+filler(5))

	reg := loadedRegistry(t, dir, professionalSources())
	res := reg.Retrieve(types.DomainProfessional)

	if res.Status != knowledge.StatusSuccess {
		t.Fatalf("status: got %s, want %s", res.Status, knowledge.StatusSuccess)
	}
	if !strings.HasPrefix(res.Context, "## Skills\n\n"+skills) {
		t.Errorf("context should open with the highest-priority required document:\n%s", res.Context[:80])
	}
	if !strings.Contains(res.Context, "\n\n---\n\n## Resume\n\n") {
		t.Error("documents should be separated by a horizontal rule with the next heading")
	}
	want := []string{"skills", "resume", "achievements"}
	if len(res.SourcesLoaded) != 3 {
		t.Fatalf("sources loaded: got %v", res.SourcesLoaded)
	}
	for i, name := range want {
		if res.SourcesLoaded[i] != name {
			t.Errorf("load order[%d]: got %q, want %q", i, res.SourcesLoaded[i], name)
		}
	}
	if res.Quality <= 0 {
		t.Errorf("quality: got %.2f, want > 0", res.Quality)
	}
	if res.TotalLength != len(res.Context) {
		t.Errorf("total length %d does not match context length %d", res.TotalLength, len(res.Context))
	}
}

func TestRetrieve_RequiredBeatsOptionalPriority(t *testing.T) {
	dir := t.TempDir()
	sources := []knowledge.Source{
		{Name: "extras", Display: "Extras", Path: "extras.md", Domain: types.DomainHobbies, Priority: 10},
		{Name: "core", Display: "Core", Path: "core.md", Domain: types.DomainHobbies, Required: true, Priority: 2},
	}
	writeDoc(t, dir, "extras.md", "Optional extras. "+filler(5))
	writeDoc(t, dir, "core.md", "Core hobby notes. "+filler(5))

	reg := loadedRegistry(t, dir, sources)
	res := reg.Retrieve(types.DomainHobbies)

	if !strings.HasPrefix(res.Context, "## Core") {
		t.Errorf("required documents must assemble before optional ones:\n%s", res.Context[:40])
	}
}

func TestRetrieve_MissingSourceIsPartial(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "professional/skills.md", filler(10))
	writeDoc(t, dir, "professional/resume.md", filler(10))
	// achievements.md intentionally absent

	reg := loadedRegistry(t, dir, professionalSources())
	res := reg.Retrieve(types.DomainProfessional)

	if res.Status != knowledge.StatusPartial {
		t.Errorf("status: got %s, want %s", res.Status, knowledge.StatusPartial)
	}
	if len(res.SourcesMissing) != 1 || res.SourcesMissing[0] != "achievements" {
		t.Errorf("sources missing: got %v", res.SourcesMissing)
	}
}

func TestRetrieve_OutOfScopeAndUnknownDomains(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "professional/skills.md", filler(10))
	writeDoc(t, dir, "professional/resume.md", filler(10))
	writeDoc(t, dir, "professional/achievements.md", filler(10))

	reg := loadedRegistry(t, dir, professionalSources())

	if res := reg.Retrieve(types.DomainOutOfScope); res.Status != knowledge.StatusNoContext || res.Context != "" {
		t.Errorf("out-of-scope should carry no context, got %s / %d chars", res.Status, len(res.Context))
	}
	if res := reg.Retrieve(types.DomainMeta); res.Status != knowledge.StatusNoContext {
		t.Errorf("domain with no registered sources: got %s", res.Status)
	}
}

func TestRetrieve_BeforeLoad(t *testing.T) {
	reg := knowledge.New(knowledge.Config{Dir: t.TempDir()})
	if reg.Ready() {
		t.Error("registry should not be ready before Load")
	}
	if res := reg.Retrieve(types.DomainProfessional); res.Status != knowledge.StatusNoContext {
		t.Errorf("retrieve before load: got %s", res.Status)
	}
}

func TestRetrieve_PlaceholderContentInsufficient(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "professional/skills.md", "Coming soon! "+filler(10))
	writeDoc(t, dir, "professional/resume.md", filler(10))
	writeDoc(t, dir, "professional/achievements.md", filler(10))

	reg := loadedRegistry(t, dir, professionalSources())
	res := reg.Retrieve(types.DomainProfessional)

	if res.Status != knowledge.StatusInsufficient {
		t.Errorf("status: got %s, want %s", res.Status, knowledge.StatusInsufficient)
	}
	if !res.IsPlaceholder {
		t.Error("placeholder flag should be set")
	}
	if res.Quality != 0.2 {
		t.Errorf("quality: got %.2f, want 0.2", res.Quality)
	}
}

func TestRetrieve_SparseContentInsufficient(t *testing.T) {
	dir := t.TempDir()
	sources := []knowledge.Source{
		{Name: "stub", Display: "Stub", Path: "stub.md", Domain: types.DomainMeta, Required: true, Priority: 10},
	}
	writeDoc(t, dir, "stub.md", "Very short.")

	reg := loadedRegistry(t, dir, sources)
	res := reg.Retrieve(types.DomainMeta)

	if res.Status != knowledge.StatusInsufficient {
		t.Errorf("status: got %s, want %s", res.Status, knowledge.StatusInsufficient)
	}
	if res.Quality != 0 {
		t.Errorf("quality: got %.2f, want 0", res.Quality)
	}
}

// ── Truncation ───────────────────────────────────────────────────────────────

func TestRetrieve_TruncationStopsAtDocumentBoundary(t *testing.T) {
	dir := t.TempDir()
	sources := []knowledge.Source{
		{Name: "first", Display: "First", Path: "first.md", Domain: types.DomainMeta, Required: true, Priority: 10},
		{Name: "second", Display: "Second", Path: "second.md", Domain: types.DomainMeta, Priority: 5},
	}
	writeDoc(t, dir, "first.md", strings.Repeat("a", 250))
	writeDoc(t, dir, "second.md", strings.Repeat("b", 200))

	reg := knowledge.New(knowledge.Config{Dir: dir, Sources: sources, MaxContextChars: 300})
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	res := reg.Retrieve(types.DomainMeta)

	if !strings.Contains(res.Context, "## First") {
		t.Error("fitting document should be included whole")
	}
	if strings.Contains(res.Context, "## Second") {
		t.Error("document over the remaining budget should be dropped, not split")
	}
	if strings.Contains(res.Context, "[Content truncated]") {
		t.Error("no truncation marker expected when cutting at a document boundary")
	}
}

func TestRetrieve_OversizedFirstDocumentGetsTruncated(t *testing.T) {
	dir := t.TempDir()
	sources := []knowledge.Source{
		{Name: "big", Display: "Big", Path: "big.md", Domain: types.DomainMeta, Required: true, Priority: 10},
	}
	writeDoc(t, dir, "big.md", strings.Repeat("c", 500))

	reg := knowledge.New(knowledge.Config{Dir: dir, Sources: sources, MaxContextChars: 100})
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	res := reg.Retrieve(types.DomainMeta)

	if !strings.HasSuffix(res.Context, "[Content truncated]") {
		t.Error("oversized sole document should be cut with a marker")
	}
	if len(res.SourcesLoaded) != 1 {
		t.Errorf("sources loaded: got %v", res.SourcesLoaded)
	}
	if res.TotalLength >= 500 {
		t.Errorf("context was not truncated: %d chars", res.TotalLength)
	}
}

// ── Reload and stats ─────────────────────────────────────────────────────────

func TestLoad_ReplacesWholeSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "professional/skills.md", "Original skills. "+filler(10))
	writeDoc(t, dir, "professional/resume.md", filler(10))
	writeDoc(t, dir, "professional/achievements.md", filler(10))

	reg := loadedRegistry(t, dir, professionalSources())
	if !strings.Contains(reg.Retrieve(types.DomainProfessional).Context, "Original skills.") {
		t.Fatal("initial content missing")
	}

	writeDoc(t, dir, "professional/skills.md", "Rewritten skills. "+filler(10))
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	got := reg.Retrieve(types.DomainProfessional).Context
	if !strings.Contains(got, "Rewritten skills.") {
		t.Error("reload did not pick up new content")
	}
	if strings.Contains(got, "Original skills.") {
		t.Error("stale content survived the reload")
	}
}

func TestLoad_MissingDirFails(t *testing.T) {
	reg := knowledge.New(knowledge.Config{Dir: filepath.Join(t.TempDir(), "nope")})
	if err := reg.Load(context.Background()); err == nil {
		t.Fatal("expected error for missing context dir")
	}
}

func TestAvailableSources(t *testing.T) {
	reg := knowledge.New(knowledge.Config{Dir: t.TempDir(), Sources: professionalSources()})
	got := reg.AvailableSources()

	names, ok := got["PROFESSIONAL"]
	if !ok {
		t.Fatalf("missing PROFESSIONAL key, got %v", got)
	}
	if len(names) != 3 || names[0] != "skills" {
		t.Errorf("source names out of order: %v", names)
	}
}

func TestGetStats(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "professional/skills.md", filler(10))
	writeDoc(t, dir, "professional/resume.md", filler(10))
	writeDoc(t, dir, "professional/achievements.md", filler(10))

	reg := knowledge.New(knowledge.Config{Dir: dir, Sources: professionalSources()})
	if stats := reg.GetStats(); stats.Domains != 0 || stats.Sources != 3 {
		t.Errorf("pre-load stats: %+v", stats)
	}

	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	stats := reg.GetStats()
	if stats.Domains != 1 || stats.ContextChars == 0 || stats.LoadedAt.IsZero() {
		t.Errorf("post-load stats: %+v", stats)
	}
}

func TestDefaultSources_CoverAllContentDomains(t *testing.T) {
	byDomain := map[types.Domain]bool{}
	seen := map[string]bool{}
	for _, src := range knowledge.DefaultSources() {
		byDomain[src.Domain] = true
		key := src.Domain.String() + "/" + src.Name
		if seen[key] {
			t.Errorf("duplicate source %s", key)
		}
		seen[key] = true
	}
	for _, domain := range []types.Domain{
		types.DomainProfessional, types.DomainProjects, types.DomainHobbies,
		types.DomainPhilosophy, types.DomainContact, types.DomainMeta,
	} {
		if !byDomain[domain] {
			t.Errorf("no sources registered for %s", domain)
		}
	}
}
