package buildlog

import "testing"

func TestRecompactDropsDeadKeepsLive(t *testing.T) {
	l, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.RecordCommand("live.o", 1, 100, 0, 10); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordCommand("dead.o", 2, 200, 0, 10); err != nil {
		t.Fatal(err)
	}

	if err := l.Recompact(map[string]bool{"live.o": true}); err != nil {
		t.Fatalf("Recompact: %v", err)
	}

	if _, ok := l.LookupByOutput("live.o"); !ok {
		t.Fatalf("live.o should survive recompaction")
	}
	if _, ok := l.LookupByOutput("dead.o"); ok {
		t.Fatalf("dead.o should be purged by recompaction")
	}

	var count int64
	if err := l.db.Unscoped().Table("build_log_entries").Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected recompaction to physically purge the dead row, found %d rows total", count)
	}
}
