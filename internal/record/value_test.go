package record

import (
	"testing"
	"time"
)

func TestValueRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	cases := []Value{
		NullValue(),
		BoolValue(true),
		BoolValue(false),
		IntValue(-42),
		FloatValue(3.14159),
		StringValue("hello, graph"),
		BytesValue([]byte{0x01, 0x02, 0x03}),
		DateValue(now),
		TimestampValue(now),
	}
	for _, v := range cases {
		buf := WriteValue(nil, v)
		got, n, err := ReadValue(buf)
		if err != nil {
			t.Fatalf("ReadValue(%+v): %v", v, err)
		}
		if n != len(buf) {
			t.Fatalf("ReadValue consumed %d bytes, want %d", n, len(buf))
		}
		if got.Tag != v.Tag {
			t.Fatalf("tag mismatch: got %v, want %v", got.Tag, v.Tag)
		}
	}
}

func TestDateValueTruncatesToDay(t *testing.T) {
	ts := time.Date(2026, 3, 1, 17, 45, 30, 0, time.UTC)
	v := DateValue(ts)
	if v.Time.Hour() != 0 || v.Time.Minute() != 0 || v.Time.Second() != 0 {
		t.Fatalf("DateValue should truncate sub-day components, got %v", v.Time)
	}
}

func TestTimestampValuePreservesSubDay(t *testing.T) {
	ts := time.Date(2026, 3, 1, 17, 45, 30, 0, time.UTC)
	v := TimestampValue(ts)
	if !v.Time.Equal(ts) {
		t.Fatalf("TimestampValue should preserve sub-day precision, got %v, want %v", v.Time, ts)
	}
}

func TestReadValueTruncatedInputs(t *testing.T) {
	cases := [][]byte{
		{},
		{byte(KindBool)},
		{byte(KindInt64), 0, 0, 0},
		{byte(KindString), 0, 0, 0, 5, 'h', 'i'},
	}
	for _, c := range cases {
		if _, _, err := ReadValue(c); err == nil {
			t.Fatalf("expected error decoding truncated value %v", c)
		}
	}
}

func TestPropertyMapPreservesInsertionOrder(t *testing.T) {
	m := NewPropertyMap()
	m.Set("z", IntValue(1))
	m.Set("a", IntValue(2))
	m.Set("m", IntValue(3))

	keys := m.Keys()
	want := []string{"z", "a", "m"}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("Keys()[%d] = %q, want %q", i, keys[i], k)
		}
	}
}

func TestPropertyMapSetOverwritesWithoutReordering(t *testing.T) {
	m := NewPropertyMap()
	m.Set("a", IntValue(1))
	m.Set("b", IntValue(2))
	m.Set("a", IntValue(99))

	if v, _ := m.Get("a"); v.Int != 99 {
		t.Fatalf("Get(a) = %d, want 99", v.Int)
	}
	keys := m.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("overwriting a key should not change its position, got %v", keys)
	}
}

func TestPropertyMapDelete(t *testing.T) {
	m := NewPropertyMap()
	m.Set("a", IntValue(1))
	m.Set("b", IntValue(2))
	m.Delete("a")

	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected key a to be gone after Delete")
	}
	if n := m.Len(); n != 1 {
		t.Fatalf("Len() = %d, want 1", n)
	}
}

func TestPropertyMapEncodeDecodeRoundTrip(t *testing.T) {
	m := NewPropertyMap()
	m.Set("name", StringValue("Ada"))
	m.Set("age", IntValue(36))
	m.Set("active", BoolValue(true))

	buf := WritePropertyMap(nil, m)
	got, n, err := ReadPropertyMap(buf)
	if err != nil {
		t.Fatalf("ReadPropertyMap: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n, len(buf))
	}
	if got.Len() != m.Len() {
		t.Fatalf("Len mismatch: got %d, want %d", got.Len(), m.Len())
	}
	for _, k := range m.Keys() {
		want, _ := m.Get(k)
		have, ok := got.Get(k)
		if !ok {
			t.Fatalf("decoded map missing key %q", k)
		}
		if have.Tag != want.Tag {
			t.Fatalf("key %q: tag mismatch got %v want %v", k, have.Tag, want.Tag)
		}
	}
}
