package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SystemActorID is the well-known actor recorded on events produced by
// background tasks such as the tentative-voucher sweeper. It is a fixed
// UUID, never a free-form string.
var SystemActorID = uuid.MustParse("00000000-0000-4000-8000-000000000001")

// ErrSequenceExhausted is returned when more than 4096 event ids are
// requested within a single millisecond tick. The sequencer refuses rather
// than emit a non-monotonic id.
var ErrSequenceExhausted = errors.New("identity: uuidv7 sequence exhausted within tick")

// NewAggregateID returns a fresh UUIDv4 for a new aggregate. Aggregate ids
// are never time-sortable and never derived from event ids.
func NewAggregateID() uuid.UUID { return uuid.New() }

// EventIDSource generates UUIDv7 event ids with strict intra-process
// monotonicity. Within one millisecond tick the 12-bit rand_a field acts as
// a sequence counter: it starts at a random value for the first id of the
// tick and increments for each subsequent id. Overflowing the counter is a
// hard error.
type EventIDSource struct {
	mu       sync.Mutex
	now      func() time.Time
	lastTick int64
	sequence uint16
}

// NewEventIDSource constructs a sequencer using the supplied clock. A nil
// clock falls back to time.Now.
func NewEventIDSource(now func() time.Time) *EventIDSource {
	if now == nil {
		now = time.Now
	}
	return &EventIDSource{now: now, lastTick: -1}
}

// Next returns the next UUIDv7 event id. Ids from a single source are
// strictly increasing under bytewise (and therefore textual) comparison.
func (s *EventIDSource) Next() (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tick := s.now().UnixMilli()
	if tick < s.lastTick {
		// Clock went backwards; hold the previous tick so ordering survives.
		tick = s.lastTick
	}
	if tick == s.lastTick {
		if s.sequence >= 0x0FFF {
			return uuid.Nil, ErrSequenceExhausted
		}
		s.sequence++
	} else {
		seed := make([]byte, 2)
		if _, err := rand.Read(seed); err != nil {
			return uuid.Nil, fmt.Errorf("identity: read entropy: %w", err)
		}
		// Leave headroom so a burst within the tick does not overflow
		// immediately: cap the random start at half the counter range.
		s.sequence = binary.BigEndian.Uint16(seed) & 0x07FF
		s.lastTick = tick
	}

	var id uuid.UUID
	ms := uint64(tick)
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)
	// Version 7 in the high nibble, sequence in the low 12 bits.
	id[6] = 0x70 | byte(s.sequence>>8)
	id[7] = byte(s.sequence)
	tail := make([]byte, 8)
	if _, err := rand.Read(tail); err != nil {
		return uuid.Nil, fmt.Errorf("identity: read entropy: %w", err)
	}
	copy(id[8:], tail)
	// RFC 4122 variant bits.
	id[8] = (id[8] & 0x3F) | 0x80
	return id, nil
}

// IsEventID reports whether the id is a UUIDv7, the only version accepted
// for event identifiers.
func IsEventID(id uuid.UUID) bool {
	return id != uuid.Nil && id.Version() == 7
}

// AllocatorID derives the deterministic identifier of the voucher-code
// allocator for a (cycle, county) pair. The derivation is the catalogued
// SHA-256 exception: the digest prefix is reshaped into a valid UUID so the
// allocator can live in ordinary UUID columns.
func AllocatorID(grantCycleID uuid.UUID, countyCode string) uuid.UUID {
	county := strings.ToUpper(strings.TrimSpace(countyCode))
	sum := sha256.Sum256([]byte("VoucherCodeAllocator:" + grantCycleID.String() + ":" + county))
	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0F) | 0x40
	id[8] = (id[8] & 0x3F) | 0x80
	return id
}

// ClaimFingerprint computes the SHA-256 de-duplication fingerprint over the
// claim business keys. The result is a lowercase hex digest used only for
// uniqueness, never as an aggregate id.
func ClaimFingerprint(voucherID uuid.UUID, clinicID uuid.UUID, procedureCode, dateOfService string, rabies bool) string {
	flag := "0"
	if rabies {
		flag = "1"
	}
	payload := voucherID.String() + clinicID.String() + strings.TrimSpace(procedureCode) + strings.TrimSpace(dateOfService) + flag
	sum := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%x", sum)
}

// VoucherCode renders the human-readable voucher code for a county, issue
// date and allocator sequence: <COUNTY>-<YYYYMMDD>-<NNNN>.
func VoucherCode(countyCode string, issuedAt time.Time, sequence int64) string {
	county := strings.ToUpper(strings.TrimSpace(countyCode))
	return fmt.Sprintf("%s-%s-%04d", county, issuedAt.UTC().Format("20060102"), sequence)
}
