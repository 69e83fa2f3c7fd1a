package correlate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/qman/qman/internal/domain"
)

// Correlation must be deterministic: the winner for a fixed set of
// audit records cannot depend on their order, or repeated sync cycles
// would flip-flop ownership.
func TestProperty_CorrelateDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	recordGen := gopter.DeriveGen(
		func(uid int, offset int64) domain.AuditRecord {
			return domain.AuditRecord{UID: uid, Timestamp: time.Unix(10000+offset, 0)}
		},
		func(r domain.AuditRecord) (int, int64) {
			return r.UID, r.Timestamp.Unix() - 10000
		},
		gen.IntRange(1000, 1100),
		gen.Int64Range(-300, 300),
	)
	recordsGen := gen.SliceOf(recordGen)

	eventTime := time.Unix(10000, 0)

	properties.Property("shuffling audit records never changes the winner", prop.ForAll(
		func(records []domain.AuditRecord, seed int64) bool {
			uid1, ok1 := Correlate(eventTime, records, 120*time.Second)

			shuffled := make([]domain.AuditRecord, len(records))
			copy(shuffled, records)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			uid2, ok2 := Correlate(eventTime, shuffled, 120*time.Second)
			return ok1 == ok2 && uid1 == uid2
		},
		recordsGen,
		gen.Int64(),
	))

	properties.Property("a match is always within the window", prop.ForAll(
		func(records []domain.AuditRecord) bool {
			uid, ok := Correlate(eventTime, records, 120*time.Second)
			if !ok {
				return true
			}
			for _, r := range records {
				if r.UID != uid {
					continue
				}
				delta := r.Timestamp.Sub(eventTime)
				if delta < 0 {
					delta = -delta
				}
				if delta <= 120*time.Second {
					return true
				}
			}
			return false
		},
		recordsGen,
	))

	properties.TestingRun(t)
}
