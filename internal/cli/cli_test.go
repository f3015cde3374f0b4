package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tokenvault/internal/adapters/transfer"
	"tokenvault/internal/core"
	"tokenvault/pkg/domain"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TOKENVAULT_STORAGE_DRIVER", "sqlite")
	t.Setenv("TOKENVAULT_SQLITE_PATH", filepath.Join(dir, "tokens.db"))
	t.Setenv("TOKENVAULT_BLOB_DRIVER", "fs")
	t.Setenv("TOKENVAULT_BLOB_FS_ROOT", filepath.Join(dir, "blobs"))
	t.Setenv("TOKENVAULT_LOG_LEVEL", "error")
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand("test")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func goblin(at time.Time) domain.Item {
	return domain.Item{
		ID:           "goblin-1",
		Type:         domain.ItemTypeImage,
		Name:         "Goblin",
		LastModified: at,
		Image:        &domain.ImageContent{URL: "goblin.png"},
		Metadata:     domain.Metadata{"hp": 7.0},
	}
}

func writeExport(t *testing.T, path string, tokens ...domain.PersistedToken) {
	t.Helper()
	data, err := domain.EncodePersistedTokens(tokens)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	mustWriteFile(t, path, data)
}

func mustWriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestValidate(t *testing.T) {
	dir := setupEnv(t)
	good := filepath.Join(dir, "good.json")
	writeExport(t, good, domain.NewPersistedToken(goblin(time.Unix(10, 0).UTC()), domain.PersistenceUnique, []domain.Item{}))
	out, err := runCLI(t, "validate", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "1 persisted token(s), 0 legacy") {
		t.Fatalf("unexpected output %q", out)
	}

	bad := filepath.Join(dir, "bad.json")
	mustWriteFile(t, bad, []byte(`{"not":"a list"}`))
	if _, err := runCLI(t, "validate", bad); err == nil {
		t.Fatalf("expected invalid file to fail")
	}
}

func TestImportListExportFlow(t *testing.T) {
	dir := setupEnv(t)
	file := filepath.Join(dir, "tokens.json")
	writeExport(t, file, domain.NewPersistedToken(goblin(time.Unix(10, 0).UTC()), domain.PersistenceUnique, []domain.Item{}))

	out, err := runCLI(t, "import", file, "--dry-run")
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.Contains(out, `"tokens": 1`) {
		t.Fatalf("unexpected dry run output %q", out)
	}
	if out, _ := runCLI(t, "list", "--json"); strings.TrimSpace(out) != "[]" {
		t.Fatalf("dry run wrote records: %q", out)
	}

	if _, err := runCLI(t, "import", file); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := runCLI(t, "import", file); err == nil || !strings.Contains(err.Error(), "--overwrite") {
		t.Fatalf("expected collision error, got %v", err)
	}
	if _, err := runCLI(t, "import", file, "--overwrite"); err != nil {
		t.Fatalf("overwrite import: %v", err)
	}

	out, err = runCLI(t, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "goblin.png") || !strings.Contains(out, "UNIQUE") {
		t.Fatalf("unexpected list output %q", out)
	}

	out, err = runCLI(t, "export")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var archive transfer.Archive
	if err := json.Unmarshal([]byte(out), &archive); err != nil {
		t.Fatalf("decode archive: %v (%q)", err, out)
	}
	if archive.Tokens != 1 || !strings.HasPrefix(archive.Key, transfer.Prefix) {
		t.Fatalf("unexpected archive %+v", archive)
	}
	if _, err := runCLI(t, "import", "--archive", archive.Key, "--overwrite"); err != nil {
		t.Fatalf("import archive: %v", err)
	}

	outFile := filepath.Join(dir, "copy.json")
	if _, err := runCLI(t, "export", "--out", outFile); err != nil {
		t.Fatalf("export to file: %v", err)
	}
	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	tokens, err := domain.DecodePersistedTokens(data)
	if err != nil || len(tokens) != 1 || tokens[0].Key() != "goblin.png" {
		t.Fatalf("unexpected export file %+v %v", tokens, err)
	}
}

func TestTraceFileRecordsOperations(t *testing.T) {
	dir := setupEnv(t)
	trace := filepath.Join(dir, "spans.jsonl")
	t.Setenv("TOKENVAULT_TRACE_FILE", trace)
	file := filepath.Join(dir, "tokens.json")
	writeExport(t, file, domain.NewPersistedToken(goblin(time.Unix(10, 0).UTC()), domain.PersistenceUnique, []domain.Item{}))

	if _, err := runCLI(t, "import", file); err != nil {
		t.Fatalf("import: %v", err)
	}
	data, err := os.ReadFile(trace)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	var found bool
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var span core.Span
		if err := json.Unmarshal([]byte(line), &span); err != nil {
			t.Fatalf("decode span %q: %v", line, err)
		}
		if span.Operation == "import_tokens" && span.Status == string(core.AuditStatusSuccess) {
			found = true
		}
	}
	if !found {
		t.Fatalf("import span missing from %q", data)
	}
}

func TestImportNeedsOneSource(t *testing.T) {
	setupEnv(t)
	if _, err := runCLI(t, "import"); err == nil {
		t.Fatalf("expected error without a source")
	}
	if _, err := runCLI(t, "import", "x.json", "--archive", "exports/a.json"); err == nil {
		t.Fatalf("expected error with two sources")
	}
}

func TestReplayRecapturesUniqueToken(t *testing.T) {
	dir := setupEnv(t)
	records := filepath.Join(dir, "records.json")
	writeExport(t, records, domain.NewPersistedToken(goblin(time.Unix(10, 0).UTC()), domain.PersistenceUnique, []domain.Item{}))

	first := goblin(time.Unix(20, 0).UTC())
	second := goblin(time.Unix(30, 0).UTC())
	second.Name = "Goblin Boss"
	deliveries, err := json.Marshal([][]domain.Item{{first}, {second}})
	if err != nil {
		t.Fatalf("marshal deliveries: %v", err)
	}
	replayFile := filepath.Join(dir, "replay.json")
	mustWriteFile(t, replayFile, deliveries)

	out, err := runCLI(t, "replay", replayFile, "--records", records, "--role", "player", "--json")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two cycles, got %q", out)
	}
	var c1, c2 cycleReport
	if err := json.Unmarshal([]byte(lines[0]), &c1); err != nil {
		t.Fatalf("decode cycle 1: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &c2); err != nil {
		t.Fatalf("decode cycle 2: %v", err)
	}
	if len(c1.NewTokens) != 1 || len(c1.Recaptured) != 0 {
		t.Fatalf("unexpected first cycle %+v", c1)
	}
	if len(c2.NewTokens) != 0 || len(c2.Recaptured) != 1 || c2.Recaptured[0] != "goblin.png" {
		t.Fatalf("unexpected second cycle %+v", c2)
	}

	// the configured store is untouched without --persist
	if out, _ := runCLI(t, "list", "--json"); strings.TrimSpace(out) != "[]" {
		t.Fatalf("replay wrote to the configured store: %q", out)
	}
}

func TestReplayRejectsUnknownRole(t *testing.T) {
	dir := setupEnv(t)
	file := filepath.Join(dir, "replay.json")
	mustWriteFile(t, file, []byte(`[]`))
	if _, err := runCLI(t, "replay", file, "--role", "owner"); err == nil {
		t.Fatalf("expected role error")
	}
}
