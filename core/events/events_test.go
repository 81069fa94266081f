package events

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testTrace() Trace {
	return Trace{
		CorrelationID: uuid.New(),
		ActorID:       uuid.New(),
		ActorType:     ActorStaff,
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(AggregateGrant, uuid.New(), Type("GRANT_EXPLODED"), GrantActivated{}, time.Now(), uuid.New(), testTrace())
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestNewRequiresCycleAndAggregate(t *testing.T) {
	if _, err := New(AggregateGrant, uuid.Nil, TypeGrantActivated, GrantActivated{}, time.Now(), uuid.New(), testTrace()); err == nil {
		t.Fatal("expected nil aggregate id to be rejected")
	}
	if _, err := New(AggregateGrant, uuid.New(), TypeGrantActivated, GrantActivated{}, time.Now(), uuid.Nil, testTrace()); err == nil {
		t.Fatal("expected nil cycle id to be rejected")
	}
	if _, err := New(AggregateType("BLOCK"), uuid.New(), TypeGrantActivated, GrantActivated{}, time.Now(), uuid.New(), testTrace()); err == nil {
		t.Fatal("expected invalid aggregate type to be rejected")
	}
}

func TestTraceValidate(t *testing.T) {
	if err := testTrace().Validate(); err != nil {
		t.Fatalf("valid trace rejected: %v", err)
	}
	broken := testTrace()
	broken.CorrelationID = uuid.Nil
	if !errors.Is(broken.Validate(), ErrMissingTrace) {
		t.Fatal("expected missing correlation id to be rejected")
	}
	nilCausation := uuid.Nil
	broken = testTrace()
	broken.CausationID = &nilCausation
	if !errors.Is(broken.Validate(), ErrMissingTrace) {
		t.Fatal("expected nil causation pointer target to be rejected")
	}
}

func TestValidTypeName(t *testing.T) {
	for _, ok := range []Type{TypeGrantCreated, TypeClaimDecisionConflictRecorded, "CUSTOM_2"} {
		if !ValidTypeName(ok) {
			t.Fatalf("%q should match the naming rule", ok)
		}
	}
	for _, bad := range []Type{"", "grant_created", "Grant_Created", "1GRANT", "GRANT CREATED"} {
		if ValidTypeName(bad) {
			t.Fatalf("%q should not match the naming rule", bad)
		}
	}
}

func TestCatalogIsClosed(t *testing.T) {
	if !Known(TypeVoucherCodeAllocated) {
		t.Fatal("catalogued type reported unknown")
	}
	if Known(Type("VOUCHER_SHREDDED")) {
		t.Fatal("uncatalogued type reported known")
	}
}

func TestWatermarkOrdering(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	early := Watermark{IngestedAt: base, EventID: uuid.MustParse("01950000-0000-7000-8000-000000000001")}
	late := Watermark{IngestedAt: base, EventID: uuid.MustParse("01950000-0000-7000-8000-000000000002")}
	if !early.Less(late) || late.Less(early) {
		t.Fatal("tie on ingestedAt must fall through to event id")
	}
	later := Watermark{IngestedAt: base.Add(time.Microsecond), EventID: uuid.Nil}
	if !late.Less(later) {
		t.Fatal("ingestedAt dominates event id")
	}
}

func TestWatermarkCovers(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	id := uuid.MustParse("01950000-0000-7000-8000-000000000005")
	wm := Watermark{IngestedAt: base, EventID: id}

	at := Event{IngestedAt: base, EventID: id}
	if !wm.Covers(at) {
		t.Fatal("watermark must cover its own position")
	}
	after := Event{IngestedAt: base, EventID: uuid.MustParse("01950000-0000-7000-8000-000000000006")}
	if wm.Covers(after) {
		t.Fatal("watermark covered a later event")
	}
	if ZeroWatermark().Covers(after) {
		t.Fatal("zero watermark covered a stored event")
	}
}

func TestDecodeRoundtrip(t *testing.T) {
	e, err := New(AggregateGrant, uuid.New(), TypeGrantFundsEncumbered, GrantFundsEncumbered{
		Bucket:    "GENERAL",
		Amount:    "15000",
		VoucherID: uuid.New(),
	}, time.Now(), uuid.New(), testTrace())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	decoded, err := Decode(e)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	payload, ok := decoded.(*GrantFundsEncumbered)
	if !ok {
		t.Fatalf("decoded %T", decoded)
	}
	if payload.Amount != "15000" || payload.Bucket != "GENERAL" {
		t.Fatalf("payload roundtrip lost data: %+v", payload)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(Event{Type: Type("VOUCHER_SHREDDED")})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}
