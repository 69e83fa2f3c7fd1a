package correlate

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/qman/qman/internal/domain"
)

// ausearch -i separates events with "----" and embeds the timestamp in
// msg=audit(MM/DD/YYYY HH:MM:SS.mmm:serial). Older auditd builds emit
// the raw unix form audit(1699999999.123:serial) instead; both are
// handled.
var (
	auditMsgRe  = regexp.MustCompile(`msg=audit\(([^)]+)\)`)
	auditDateRe = regexp.MustCompile(`^(\d{2}/\d{2}/\d{4}\s+\d{2}:\d{2}:\d{2})`)
	auditUnixRe = regexp.MustCompile(`^(\d+\.\d+):`)
	kvRe        = regexp.MustCompile(`(\w+)=("[^"]*"|\S+)`)
)

const auditDateLayout = "01/02/2006 15:04:05"

// ParseAusearch converts raw `ausearch -i` output into audit records.
// It is a pure function over the text: records missing a usable uid or
// timestamp are dropped. The audit uid (auid, who initiated the
// action) is preferred over uid and euid; `-i` may render uids as
// names, which cannot be resolved here and are skipped.
func ParseAusearch(output string) []domain.AuditRecord {
	var records []domain.AuditRecord
	flush := func(ev auditEvent) {
		if rec, ok := ev.record(); ok {
			records = append(records, rec)
		}
	}

	var current auditEvent
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "----") {
			flush(current)
			current = auditEvent{}
			continue
		}
		if m := auditMsgRe.FindStringSubmatch(line); m != nil {
			current.parseTimestamp(m[1])
		}
		if !strings.Contains(line, "=") {
			continue
		}
		for _, pair := range kvRe.FindAllStringSubmatch(line, -1) {
			current.parseField(pair[1], strings.Trim(pair[2], `"`))
		}
	}
	flush(current)
	return records
}

// auditEvent accumulates fields of one multi-line ausearch event.
type auditEvent struct {
	uid, auid, euid *int
	pid             int
	ts              time.Time
}

func (e *auditEvent) parseTimestamp(raw string) {
	if m := auditDateRe.FindStringSubmatch(raw); m != nil {
		if t, err := time.ParseInLocation(auditDateLayout, m[1], time.Local); err == nil {
			e.ts = t
		}
		return
	}
	if m := auditUnixRe.FindStringSubmatch(raw); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			sec := int64(f)
			e.ts = time.Unix(sec, int64((f-float64(sec))*1e9))
		}
	}
}

func (e *auditEvent) parseField(key, value string) {
	switch key {
	case "uid":
		e.uid = parseUID(value)
	case "auid":
		e.auid = parseUID(value)
	case "euid":
		e.euid = parseUID(value)
	case "pid":
		if n, err := strconv.Atoi(value); err == nil {
			e.pid = n
		}
	}
}

func (e auditEvent) record() (domain.AuditRecord, bool) {
	uid := e.auid
	if uid == nil {
		uid = e.uid
	}
	if uid == nil {
		uid = e.euid
	}
	if uid == nil || e.ts.IsZero() {
		return domain.AuditRecord{}, false
	}
	return domain.AuditRecord{UID: *uid, PID: e.pid, Timestamp: e.ts}, true
}

// parseUID accepts only numeric uids. auditd uses 4294967295 (-1) for
// "unset", which must not attribute anything.
func parseUID(value string) *int {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 || n == 4294967295 {
		return nil
	}
	return &n
}
