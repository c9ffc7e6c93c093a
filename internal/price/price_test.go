package price

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

var scale18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func TestDecodeClampAndZeroFloor(t *testing.T) {
	tests := []struct {
		name   string
		packed Price
		want   string // decimal units at scale 10^18
	}{
		{"zero floor", 0x00000000, "0.0001"},
		{"whole clamp", 0xFFFF0000, "9999"},
		{"frac clamp", 0x0000FFFF, "0.9999"},
		{"both clamp", 0xFFFFFFFF, "9999.9999"},
		{"plain", 0x00020000, "2"},
		{"half", 0x00021388, "2.5"},
		{"min nonzero", 0x00000001, "0.0001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := decimal.RequireFromString(tt.want).Shift(18).BigInt()
			got := tt.packed.Decode(scale18)
			if got.Cmp(want) != 0 {
				t.Errorf("Decode: got %s, want %s", got, want)
			}
			if d := tt.packed.Decimal(); !d.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("Decimal: got %s, want %s", d, tt.want)
			}
		})
	}
}

func TestDecodeSmallScale(t *testing.T) {
	// 6-decimal token: 2.5 units = 2_500_000 base units. The fractional leg
	// multiplies before dividing, so precision survives scales below 10^4.
	scale6 := big.NewInt(1_000_000)
	got := Price(0x00021388).Decode(scale6)
	if got.Cmp(big.NewInt(2_500_000)) != 0 {
		t.Errorf("got %s, want 2500000", got)
	}
}

func TestEncodeRange(t *testing.T) {
	tests := []struct {
		in      string
		want    Price
		wantErr bool
	}{
		{"0.0001", 0x00000001, false},
		{"9999.9999", 0x270F270F, false},
		{"2.5", 0x00021388, false},
		{"1", 0x00010000, false},
		{"0.00019", 0x00000001, false}, // 5th digit truncates
		{"0", 0, true},
		{"0.00009", 0, true}, // truncates to zero
		{"-1", 0, true},
		{"10000", 0, true},
		{"9999.99999", 0x270F270F, false}, // truncates to 9999.9999
		{"123456789123456789123", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Encode(decimal.RequireFromString(tt.in))
			if tt.wantErr {
				if err != ErrOutOfRange {
					t.Fatalf("got err %v, want ErrOutOfRange", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %#08x, want %#08x", uint32(got), uint32(tt.want))
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []string{"0.0001", "0.9999", "1", "1.5", "2.5", "42.4242", "9999.9999", "5000.0001"}
	for _, c := range cases {
		d := decimal.RequireFromString(c)
		p, err := Encode(d)
		if err != nil {
			t.Fatalf("Encode(%s): %v", c, err)
		}
		if !p.Decimal().Equal(d) {
			t.Errorf("round trip %s: got %s", c, p.Decimal())
		}
	}

	// every whole value with a fixed fraction, and vice versa
	for w := int64(1); w <= 9999; w += 137 {
		d := decimal.New(w*10000+1234, -4)
		p, err := Encode(d)
		if err != nil {
			t.Fatalf("Encode(%s): %v", d, err)
		}
		if !p.Decimal().Equal(d) {
			t.Fatalf("round trip %s: got %s", d, p.Decimal())
		}
	}
}
