package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFileAuditSinkAppendsDurably(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileAuditSink(dir)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	defer sink.Close()

	entries := []AuditEntry{
		{EventType: AuditPROpened, RepoID: "repo-a", Target: "pr-1", Success: true},
		{EventType: AuditMerge, RepoID: "repo-a", Target: "sha-1", Success: true},
		{EventType: AuditLockReleased, RepoID: "repo-a", Success: true},
	}
	for _, e := range entries {
		if err := sink.Append(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	f, err := os.Open(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var got []AuditEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		got = append(got, e)
	}
	if len(got) != len(entries) {
		t.Fatalf("wrote %d entries, read %d", len(entries), len(got))
	}
	for i := range entries {
		if got[i].EventType != entries[i].EventType {
			t.Fatalf("entry %d: %s != %s", i, got[i].EventType, entries[i].EventType)
		}
		if got[i].Timestamp == 0 {
			t.Fatalf("entry %d: timestamp not stamped", i)
		}
	}
}

func TestMemoryAuditSinkByType(t *testing.T) {
	sink := NewMemoryAuditSink()
	sink.Append(AuditEntry{EventType: AuditPolicyAllow})
	sink.Append(AuditEntry{EventType: AuditPolicyDeny})
	sink.Append(AuditEntry{EventType: AuditPolicyDeny})

	if len(sink.ByType(AuditPolicyDeny)) != 2 {
		t.Fatal("filter by type broken")
	}
	if len(sink.Entries()) != 3 {
		t.Fatal("entries lost")
	}
}
