package storage

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"

	logx "announcebot/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	out := map[string]Store{}
	fs, err := Open(ctx, Config{Driver: "file", Path: filepath.Join(dir, "last_announcement.txt")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	out["file"] = fs

	ss, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	out["sqlite"] = ss

	if url := os.Getenv("REDIS_URL"); url != "" {
		rs, err := Open(ctx, Config{Driver: "redis", URL: url, KeyPrefix: "announcebot-test:" + t.Name() + ":"}, logx.Nop())
		if err != nil {
			t.Fatalf("open redis store: %v", err)
		}
		out["redis"] = rs
	}

	t.Cleanup(func() {
		for _, st := range out {
			_ = st.Close()
		}
	})
	return out
}

func TestWatermarkMissingIsAbsent(t *testing.T) {
	for name, st := range openTestStores(t) {
		id, ok, err := st.LoadWatermark(context.Background())
		if err != nil {
			t.Fatalf("%s: LoadWatermark: %v", name, err)
		}
		if ok || id != 0 {
			t.Fatalf("%s: got (%d, %v), want absent", name, id, ok)
		}
	}
}

func TestWatermarkSaveLoad(t *testing.T) {
	ctx := context.Background()
	for name, st := range openTestStores(t) {
		for _, id := range []int64{10, 12, 12, 0} {
			if err := st.SaveWatermark(ctx, id); err != nil {
				t.Fatalf("%s: SaveWatermark(%d): %v", name, id, err)
			}
			got, ok, err := st.LoadWatermark(ctx)
			if err != nil || !ok || got != id {
				t.Fatalf("%s: after save %d got (%d, %v, %v)", name, id, got, ok, err)
			}
		}
	}
}

func TestFileWatermarkSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wm.txt")

	st, err := Open(ctx, Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.SaveWatermark(ctx, 42); err != nil {
		t.Fatalf("SaveWatermark: %v", err)
	}
	_ = st.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read watermark file: %v", err)
	}
	if string(b) != "42\n" {
		t.Fatalf("file content = %q", b)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind: %v", err)
	}

	st, err = Open(ctx, Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, ok, err := st.LoadWatermark(ctx)
	if err != nil || !ok || got != 42 {
		t.Fatalf("after reopen got (%d, %v, %v)", got, ok, err)
	}
}

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wm.txt")
	for _, v := range []string{"1\n", "2\n"} {
		if err := writeFileAtomic(path, []byte(v)); err != nil {
			t.Fatalf("writeFileAtomic(%q): %v", v, err)
		}
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "2\n" {
		t.Fatalf("content = %q, %v", b, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory holds %d entries, want only the watermark file", len(entries))
	}

	if err := syncDir(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("syncDir on a missing directory should fail")
	}
	if err := writeFileAtomic(filepath.Join(dir, "missing", "wm.txt"), []byte("3\n")); err == nil {
		t.Fatal("writeFileAtomic into a missing directory should fail")
	}
}

func TestFileWatermarkCorruptIsError(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wm.txt")
	if err := os.WriteFile(path, []byte("not-a-number\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(ctx, Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if _, _, err := st.LoadWatermark(ctx); err == nil {
		t.Fatal("expected error for corrupt watermark")
	}
}

func TestFileAuditAppendsJSONLines(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(ctx, Config{Path: filepath.Join(dir, "last.txt")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, a := range []string{"status", "poll"} {
		if err := st.AppendAudit(ctx, AuditEntry{Kind: AuditCommand, Action: a, OK: true}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	_ = st.Close()

	f, err := os.Open(filepath.Join(dir, "last.audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer f.Close()
	var got []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode audit line: %v", err)
		}
		got = append(got, e)
	}
	if len(got) != 2 || got[0].Action != "status" || got[1].Action != "poll" {
		t.Fatalf("audit entries = %+v", got)
	}
	if got[0].ID == "" || got[0].At.IsZero() {
		t.Fatalf("audit entry not stamped: %+v", got[0])
	}
}

func TestSQLiteAuditInsert(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	e := AuditEntry{Kind: AuditDeadLetter, Action: "deliver", AnnouncementID: 7, Error: "permission denied"}
	if err := st.AppendAudit(ctx, e); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	var n int
	if err := st.(*sqliteStore).db.GetContext(ctx, &n, `SELECT COUNT(*) FROM audit WHERE announcement_id = 7`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("audit rows = %d", n)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
