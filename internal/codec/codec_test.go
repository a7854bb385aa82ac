package codec

import (
	"reflect"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		typ  Type
		val  any
	}{
		{"integer", Integer, int64(42)},
		{"integer negative", Integer, int64(-7)},
		{"float", Float, 3.5},
		{"text", Text, "hello"},
		{"text empty", Text, ""},
		{"boolean true", Boolean, true},
		{"boolean false", Boolean, false},
		{"date", Date, time.Date(2024, time.March, 9, 0, 0, 0, 0, time.UTC)},
		{"datetime", DateTime, time.Date(2024, time.March, 9, 14, 30, 15, 123456000, time.UTC)},
		{"time", Time, time.Date(1, time.January, 1, 23, 59, 59, 999999000, time.UTC)},
		{"binary", Binary, []byte{0x00, 0xff, 0x10}},
		{"binary empty", Binary, []byte{}},
		{"numeric", Numeric, "123.456789012345678901"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.typ, tt.val)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := Decode(tt.typ, encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(decoded, tt.val) {
				t.Errorf("round trip changed value: got %#v, want %#v", decoded, tt.val)
			}
		})
	}
}

func TestNilPassesThrough(t *testing.T) {
	for _, typ := range []Type{Integer, Float, Text, Boolean, Date, DateTime, Time, Binary, Numeric} {
		encoded, err := Encode(typ, nil)
		if err != nil || encoded != nil {
			t.Errorf("Encode(%s, nil) = %v, %v", typ, encoded, err)
		}
		decoded, err := Decode(typ, nil)
		if err != nil || decoded != nil {
			t.Errorf("Decode(%s, nil) = %v, %v", typ, decoded, err)
		}
	}
}

func TestWireShapes(t *testing.T) {
	encoded, err := Encode(Date, time.Date(2024, time.March, 9, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(encoded, []int64{2024, 3, 9}) {
		t.Errorf("date wire form = %v", encoded)
	}
	encoded, err = Encode(DateTime, time.Date(2024, time.March, 9, 14, 30, 15, 123456000, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(encoded, []int64{2024, 3, 9, 14, 30, 15, 123456}) {
		t.Errorf("datetime wire form = %v", encoded)
	}
	encoded, err = Encode(Time, time.Date(1, time.January, 1, 6, 7, 8, 9000, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(encoded, []int64{6, 7, 8, 9}) {
		t.Errorf("time wire form = %v", encoded)
	}
	encoded, err = Encode(Binary, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if encoded != "YWJj" {
		t.Errorf("binary wire form = %v", encoded)
	}
}

func TestDecodeFromJSONShapes(t *testing.T) {
	// json.Unmarshal produces []any of float64.
	decoded, err := Decode(DateTime, []any{2024.0, 3.0, 9.0, 14.0, 30.0, 15.0, 123456.0})
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, time.March, 9, 14, 30, 15, 123456000, time.UTC)
	if !decoded.(time.Time).Equal(want) {
		t.Errorf("decoded = %v, want %v", decoded, want)
	}
	if _, err := Decode(Integer, 1.5); err == nil {
		t.Error("fractional integer must fail")
	}
	if _, err := Decode(Date, []any{2024.0, 3.0}); err == nil {
		t.Error("short date array must fail")
	}
}

func TestParseType(t *testing.T) {
	for name, want := range map[string]Type{
		"integer": Integer, "decimal": Numeric, "numeric": Numeric, "datetime": DateTime,
	} {
		got, err := ParseType(name)
		if err != nil || got != want {
			t.Errorf("ParseType(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseType("uuid"); err == nil {
		t.Error("unknown type must fail")
	}
}
