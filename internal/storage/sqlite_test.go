package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "haulnotify/pkg/logx"
)

func TestSQLiteStoreSeen(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "seen.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	base := time.Now().Add(time.Hour)
	for i, id := range []string{"a", "b", "c", "d"} {
		if err := st.PutSeen(ctx, "u1", SeenRecord{ID: id, Until: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("PutSeen(%s): %v", id, err)
		}
	}
	// Upsert moves "a" to the newest end.
	if err := st.PutSeen(ctx, "u1", SeenRecord{ID: "a", Until: base.Add(time.Minute)}); err != nil {
		t.Fatalf("PutSeen(a again): %v", err)
	}
	got, err := st.LoadSeen(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("LoadSeen: %v", err)
	}
	want := []string{"c", "d", "a"}
	if len(got) != len(want) {
		t.Fatalf("LoadSeen = %+v, want %v", got, want)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("LoadSeen[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}
	if err := st.AppendAudit(ctx, AuditEntry{Scope: "u1", Action: "read", NotificationID: "c"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}
