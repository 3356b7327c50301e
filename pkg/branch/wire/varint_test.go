package wire

import (
	"testing"
)

// TestVarint_RoundTrip covers the literal scenario from spec.md 8.1:
// encode 0, 127, 128, 16383, 16384, 4294967295 and check both the
// produced length and that decoding recovers the original value.
func TestVarint_RoundTrip(t *testing.T) {
	cases := []struct {
		value uint64
		bytes int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{4294967295, 5},
	}

	for _, c := range cases {
		buf := make([]byte, MaxVarintLen)
		n := PutUvarint(buf, c.value)
		if n != c.bytes {
			t.Errorf("value %d: expected %d bytes, encoded %d", c.value, c.bytes, n)
		}

		decoded, consumed, err := DecodeUvarint(buf[:n], c.value)
		if err != nil {
			t.Fatalf("value %d: failed to decode: %v", c.value, err)
		}
		if consumed != n {
			t.Errorf("value %d: expected to consume %d bytes, consumed %d", c.value, n, consumed)
		}
		if decoded != c.value {
			t.Errorf("value %d: decoded %d", c.value, decoded)
		}
	}
}

func TestVarint_RejectsValueBeyondBudget(t *testing.T) {
	buf := make([]byte, MaxVarintLen)
	n := PutUvarint(buf, 16384)

	if _, _, err := DecodeUvarint(buf[:n], 16383); err == nil {
		t.Fatalf("expected decode to fail when value exceeds budget")
	}
}

func TestVarint_UvarintLenMatchesPutUvarint(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, 4294967295}
	for _, v := range values {
		buf := make([]byte, MaxVarintLen)
		n := PutUvarint(buf, v)
		if got := UvarintLen(v); got != n {
			t.Errorf("value %d: UvarintLen returned %d, PutUvarint wrote %d", v, got, n)
		}
	}
}
