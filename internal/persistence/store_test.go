package persistence

import (
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenAndClose(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenCreatesFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "state.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
}

func TestOpenRestrictsPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not enforced on windows")
	}
	fresh := tempDBPath(t)
	store, err := Open(fresh)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store.Close()

	existing := filepath.Join(t.TempDir(), "existing.db")
	if err := os.WriteFile(existing, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err = Open(existing)
	if err != nil {
		t.Fatalf("Open existing: %v", err)
	}
	store.Close()

	for _, p := range []string{fresh, existing} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if mode := info.Mode().Perm(); mode != 0o600 {
			t.Errorf("%s mode = %o, want 600", filepath.Base(p), mode)
		}
	}
}

func TestUpsertAndGetAgentPrefs(t *testing.T) {
	store := openStore(t)

	err := store.UpsertAgentPrefs(AgentPrefs{
		AgentID:  "claude",
		AgentCmd: "claude-code-acp",
		Cwd:      "/work",
		Proxy:    "http://proxy:3128",
		Env:      map[string]string{"ANTHROPIC_API_KEY": "sk-test", "DEBUG": "1"},
	})
	if err != nil {
		t.Fatalf("UpsertAgentPrefs: %v", err)
	}

	got, err := store.GetAgentPrefs("claude")
	if err != nil {
		t.Fatalf("GetAgentPrefs: %v", err)
	}
	if got == nil {
		t.Fatal("expected prefs, got nil")
	}
	if got.AgentCmd != "claude-code-acp" || got.Cwd != "/work" || got.Proxy != "http://proxy:3128" {
		t.Fatalf("unexpected prefs: %+v", got)
	}
	if len(got.Env) != 2 || got.Env["ANTHROPIC_API_KEY"] != "sk-test" {
		t.Fatalf("unexpected env: %v", got.Env)
	}
	if got.UpdatedAt == "" {
		t.Fatal("expected updatedAt to be set")
	}
}

func TestUpsertReplacesEnv(t *testing.T) {
	store := openStore(t)

	if err := store.UpsertAgentPrefs(AgentPrefs{AgentID: "gemini", Env: map[string]string{"A": "1", "B": "2"}}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.UpsertAgentPrefs(AgentPrefs{AgentID: "gemini", AgentCmd: "gemini --acp", Env: map[string]string{"C": "3"}}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.GetAgentPrefs("gemini")
	if err != nil {
		t.Fatalf("GetAgentPrefs: %v", err)
	}
	if got.AgentCmd != "gemini --acp" {
		t.Fatalf("expected agentCmd to be replaced, got %q", got.AgentCmd)
	}
	if len(got.Env) != 1 || got.Env["C"] != "3" {
		t.Fatalf("expected env to be replaced, got %v", got.Env)
	}
}

func TestGetAgentPrefsMissing(t *testing.T) {
	store := openStore(t)

	got, err := store.GetAgentPrefs("nobody")
	if err != nil {
		t.Fatalf("GetAgentPrefs: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestUpsertRequiresAgentID(t *testing.T) {
	store := openStore(t)
	if err := store.UpsertAgentPrefs(AgentPrefs{}); err == nil {
		t.Fatal("expected error for empty agent ID")
	}
}

func TestListAndDeleteAgentPrefs(t *testing.T) {
	store := openStore(t)

	for _, id := range []string{"gemini", "claude"} {
		if err := store.UpsertAgentPrefs(AgentPrefs{AgentID: id, Env: map[string]string{"K": id}}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if err := store.RecordSession("claude", "s1", "/work"); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}

	list, err := store.ListAgentPrefs()
	if err != nil {
		t.Fatalf("ListAgentPrefs: %v", err)
	}
	if len(list) != 2 || list[0].AgentID != "claude" || list[1].AgentID != "gemini" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[1].Env["K"] != "gemini" {
		t.Fatalf("expected env on listed prefs, got %v", list[1].Env)
	}

	if err := store.DeleteAgentPrefs("claude"); err != nil {
		t.Fatalf("DeleteAgentPrefs: %v", err)
	}
	if got, _ := store.GetAgentPrefs("claude"); got != nil {
		t.Fatalf("expected prefs deleted, got %+v", got)
	}
	if ls, _ := store.GetLastSession("claude"); ls != nil {
		t.Fatalf("expected last session deleted, got %+v", ls)
	}
}

func TestListAgentPrefsEmpty(t *testing.T) {
	store := openStore(t)
	list, err := store.ListAgentPrefs()
	if err != nil {
		t.Fatalf("ListAgentPrefs: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty non-nil list, got %v", list)
	}
}

func TestRecordSessionOverwrites(t *testing.T) {
	store := openStore(t)

	if err := store.RecordSession("claude", "s1", "/a"); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}
	if err := store.RecordSession("claude", "s2", "/b"); err != nil {
		t.Fatalf("RecordSession: %v", err)
	}

	ls, err := store.GetLastSession("claude")
	if err != nil {
		t.Fatalf("GetLastSession: %v", err)
	}
	if ls == nil || ls.SessionID != "s2" || ls.Cwd != "/b" {
		t.Fatalf("unexpected last session: %+v", ls)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dbPath := tempDBPath(t)

	store1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := store1.UpsertAgentPrefs(AgentPrefs{AgentID: "claude", AgentCmd: "x"}); err != nil {
		t.Fatalf("UpsertAgentPrefs: %v", err)
	}
	store1.Close()

	store2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer store2.Close()

	got, err := store2.GetAgentPrefs("claude")
	if err != nil || got == nil || got.AgentCmd != "x" {
		t.Fatalf("expected prefs to survive reopen, got %+v (err=%v)", got, err)
	}
}

func TestMigrationV2UpgradesV1Schema(t *testing.T) {
	dbPath := tempDBPath(t)

	// Build a v1 database by hand, as an older client would have left it.
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=rwc")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE schema_version (version INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create schema_version: %v", err)
	}
	if err := migrateV1(db); err != nil {
		t.Fatalf("migrateV1: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (1)`); err != nil {
		t.Fatalf("record v1: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO agent_prefs (agent_id, agent_cmd, cwd, updated_at) VALUES ('claude', 'old', '/w', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed v1 row: %v", err)
	}
	db.Close()

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	got, err := store.GetAgentPrefs("claude")
	if err != nil {
		t.Fatalf("GetAgentPrefs: %v", err)
	}
	if got == nil || got.AgentCmd != "old" || got.Proxy != "" || len(got.Env) != 0 {
		t.Fatalf("unexpected upgraded prefs: %+v", got)
	}
}
