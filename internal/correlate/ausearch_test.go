package correlate

import (
	"testing"
	"time"
)

const sampleAusearch = `----
type=SYSCALL msg=audit(02/16/2026 12:34:56.789:1234) : arch=x86_64 syscall=connect success=yes pid=4321 auid=1001 uid=1001 euid=1001 comm=docker exe=/usr/bin/docker key=docker-socket
type=PATH msg=audit(02/16/2026 12:34:56.789:1234) : item=0 name=/var/run/docker.sock
----
type=SYSCALL msg=audit(1760000000.500:1235) : arch=x86_64 syscall=execve success=yes pid=4400 auid=1002 uid=0 euid=0 comm=docker exe=/usr/bin/docker key=docker-client
----
type=SYSCALL msg=audit(02/16/2026 12:40:00.000:1236) : arch=x86_64 syscall=connect auid=unset uid=root comm=dockerd key=docker-socket
`

func TestParseAusearch(t *testing.T) {
	records := ParseAusearch(sampleAusearch)

	// The third event has no numeric uid (auid=unset, uid=root after
	// -i interpretation) and must be dropped.
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	first := records[0]
	if first.UID != 1001 {
		t.Errorf("expected uid 1001, got %d", first.UID)
	}
	if first.PID != 4321 {
		t.Errorf("expected pid 4321, got %d", first.PID)
	}
	want := time.Date(2026, 2, 16, 12, 34, 56, 0, time.Local)
	if !first.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, first.Timestamp)
	}

	second := records[1]
	if second.UID != 1002 {
		t.Errorf("expected auid 1002 to win over uid 0, got %d", second.UID)
	}
	if second.Timestamp.Unix() != 1760000000 {
		t.Errorf("expected unix timestamp 1760000000, got %d", second.Timestamp.Unix())
	}
}

func TestParseAusearch_Empty(t *testing.T) {
	if got := ParseAusearch(""); len(got) != 0 {
		t.Errorf("expected no records for empty output, got %d", len(got))
	}
}

func TestParseAusearch_PrefersAuid(t *testing.T) {
	out := `----
type=SYSCALL msg=audit(1760000100.000:1) : pid=10 auid=1500 uid=0 euid=0 key=docker-client
`
	records := ParseAusearch(out)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].UID != 1500 {
		t.Errorf("expected auid 1500, got %d", records[0].UID)
	}
}

func TestParseAusearch_FallsBackToUID(t *testing.T) {
	out := `----
type=SYSCALL msg=audit(1760000200.000:2) : pid=11 uid=1600 key=docker-socket
`
	records := ParseAusearch(out)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].UID != 1600 {
		t.Errorf("expected uid 1600, got %d", records[0].UID)
	}
}
