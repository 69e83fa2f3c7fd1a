package audit

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testSource() *Source {
	logger := logrus.New()
	logger.SetOutput(new(strings.Builder))
	return New(time.Second, logger)
}

func TestQueryNoMatchesIsEmpty(t *testing.T) {
	s := testSource()
	s.run = func(ctx context.Context, name string, args ...string) ([]byte, int, error) {
		return []byte("<no matches>"), 1, nil
	}

	records, err := s.Query(context.Background(), []string{"docker_run"}, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestQueryParsesRecords(t *testing.T) {
	out := "----\n" +
		"type=SYSCALL msg=audit(08/21/2026 10:15:30.123:4567) : arch=x86_64 syscall=execve success=yes pid=4242 auid=1001 uid=1001\n"

	s := testSource()
	var gotArgs []string
	s.run = func(ctx context.Context, name string, args ...string) ([]byte, int, error) {
		gotArgs = append([]string{name}, args...)
		return []byte(out), 0, nil
	}
	s.now = func() time.Time {
		return time.Date(2026, 8, 21, 11, 0, 0, 0, time.Local)
	}

	records, err := s.Query(context.Background(), []string{"docker_run"}, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].UID != 1001 || records[0].PID != 4242 {
		t.Fatalf("unexpected record: %+v", records[0])
	}

	want := []string{"ausearch", "-i", "-k", "docker_run", "-ts", "08/21/2026 10:00:00"}
	if fmt.Sprint(gotArgs) != fmt.Sprint(want) {
		t.Fatalf("args = %v, want %v", gotArgs, want)
	}
}

func TestQueryFatalExitCode(t *testing.T) {
	s := testSource()
	s.run = func(ctx context.Context, name string, args ...string) ([]byte, int, error) {
		return []byte("corrupted log"), 2, nil
	}

	if _, err := s.Query(context.Background(), []string{"docker_run"}, time.Hour); err == nil {
		t.Fatal("expected error for exit status 2")
	}
}

func TestCheckReportsMissingRules(t *testing.T) {
	s := testSource()
	s.run = func(ctx context.Context, name string, args ...string) ([]byte, int, error) {
		return []byte("-w /etc/passwd -p wa -k identity"), 0, nil
	}

	st := s.Check(context.Background())
	if len(st.RulesFound) != 0 {
		t.Fatalf("rules for docker should not be detected: %v", st.RulesFound)
	}
	found := false
	for _, e := range st.Errors {
		if strings.Contains(e, "no audit rules") {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing rule error not reported: %v", st.Errors)
	}
}

func TestCheckFindsDockerRules(t *testing.T) {
	s := testSource()
	s.run = func(ctx context.Context, name string, args ...string) ([]byte, int, error) {
		return []byte("-w /usr/bin/dockerd -p x -k docker_daemon"), 0, nil
	}

	st := s.Check(context.Background())
	if len(st.RulesFound) != 1 {
		t.Fatalf("docker rule not detected: %+v", st)
	}
}
