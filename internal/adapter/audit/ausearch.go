// Package audit reads Linux audit records through ausearch. The audit
// trail is the only place a container action can be tied back to a
// login uid, so a missing or broken auditd degrades attribution to
// labels only rather than failing the daemon.
package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qman/qman/internal/correlate"
	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/ports"
)

// ausearch timestamps use US date order regardless of locale.
const ausearchTimeLayout = "01/02/2006 15:04:05"

// Source queries audit records via the ausearch binary.
type Source struct {
	timeout time.Duration
	logger  *logrus.Logger

	// run is swapped in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, int, error)
	now func() time.Time
}

// New builds a Source. timeout bounds a single ausearch invocation.
func New(timeout time.Duration, logger *logrus.Logger) *Source {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Source{
		timeout: timeout,
		logger:  logger,
		run:     runCommand,
		now:     time.Now,
	}
}

var _ ports.AuditSource = (*Source)(nil)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
		err = nil
	}
	return out.Bytes(), code, err
}

// Query runs one ausearch per key and merges the parsed records.
// ausearch exits 1 when nothing matched; that is an empty result, not
// an error. A missing binary is logged once per call and yields no
// records.
func (s *Source) Query(ctx context.Context, keys []string, since time.Duration) ([]domain.AuditRecord, error) {
	if since <= 0 {
		since = time.Hour
	}
	start := s.now().Add(-since)
	ts := start.Format(ausearchTimeLayout)

	var all []domain.AuditRecord
	for _, key := range keys {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		out, code, err := s.run(ctx, "ausearch", "-i", "-k", key, "-ts", ts)
		cancel()
		if err != nil {
			if errors.Is(err, exec.ErrNotFound) {
				s.logger.Info("ausearch not installed, audit correlation disabled")
				return nil, nil
			}
			return nil, fmt.Errorf("ausearch -k %s: %w", key, err)
		}
		if code != 0 {
			// Exit 1 means no matches; anything else is a real
			// failure worth surfacing.
			if code == 1 {
				continue
			}
			return nil, fmt.Errorf("ausearch -k %s: exit status %d: %s", key, code, firstLine(out))
		}
		all = append(all, correlate.ParseAusearch(string(out))...)
	}
	return all, nil
}

// Check reports whether the audit toolchain is usable: the binaries
// exist and at least one audit rule watches the runtime binaries.
func (s *Source) Check(ctx context.Context) ports.AuditStatus {
	var st ports.AuditStatus

	if _, err := exec.LookPath("ausearch"); err != nil {
		st.Errors = append(st.Errors, "ausearch binary not found")
	} else {
		st.ToolAvailable = true
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	out, code, err := s.run(ctx, "auditctl", "-l")
	switch {
	case err != nil:
		st.Errors = append(st.Errors, fmt.Sprintf("auditctl -l: %v", err))
	case code != 0:
		st.Errors = append(st.Errors, fmt.Sprintf("auditctl -l: exit status %d", code))
	default:
		for _, line := range strings.Split(string(out), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && strings.Contains(line, "docker") {
				st.RulesFound = append(st.RulesFound, line)
			}
		}
		if len(st.RulesFound) == 0 {
			st.Errors = append(st.Errors, "no audit rules watching docker binaries")
		}
	}
	return st
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
