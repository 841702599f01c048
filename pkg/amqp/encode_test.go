package amqp

import (
	"reflect"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

func TestFieldTableRoundTrip(t *testing.T) {
	tbl := amqp091.Table{
		"boolv":  true,
		"int32v": int32(42),
		"int64v": int64(1 << 40),
		"strv":   "hello",
		"nested": amqp091.Table{"n": "v"},
		"arr":    []interface{}{"a", int32(7)},
		"ts":     time.Unix(1234567890, 0),
		"dec":    amqp091.Decimal{Scale: 2, Value: 314},
		"raw":    []byte{1, 2, 3},
	}

	enc, err := EncodeTable(tbl)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, n, err := parseFieldTable(enc)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d of %d bytes", n, len(enc))
	}
	for _, k := range []string{"boolv", "int32v", "int64v", "strv", "dec", "raw"} {
		if !reflect.DeepEqual(tbl[k], got[k]) {
			t.Fatalf("%s mismatch: want=%v got=%v", k, tbl[k], got[k])
		}
	}
	nested, ok := got["nested"].(amqp091.Table)
	if !ok {
		t.Fatalf("nested missing or wrong type: %T", got["nested"])
	}
	if nested["n"] != "v" {
		t.Fatalf("nested value mismatch: %v", nested)
	}
	arr, ok := got["arr"].([]interface{})
	if !ok || len(arr) != 2 {
		t.Fatalf("array missing or wrong type: %T %v", got["arr"], got["arr"])
	}
	if ts, ok := got["ts"].(time.Time); !ok || !ts.Equal(time.Unix(1234567890, 0)) {
		t.Fatalf("timestamp mismatch: %v", got["ts"])
	}
}

func TestFieldTableDeterministic(t *testing.T) {
	tbl := amqp091.Table{"b": "2", "a": "1", "c": "3"}
	first, err := EncodeTable(tbl)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := EncodeTable(tbl)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("encoding is not stable")
		}
	}
}

func TestEncodeTableRejectsUnsupported(t *testing.T) {
	if _, err := EncodeTable(amqp091.Table{"bad": struct{}{}}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestEncodeEmptyTable(t *testing.T) {
	enc, err := EncodeTable(nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !reflect.DeepEqual(enc, encodeFieldTableEmpty()) {
		t.Fatalf("empty table should be four zero bytes, got %v", enc)
	}
}

func TestParseFieldTableTruncated(t *testing.T) {
	enc, _ := EncodeTable(amqp091.Table{"k": "value"})
	if _, _, err := parseFieldTable(enc[:len(enc)-2]); err == nil {
		t.Fatalf("expected truncation error")
	}
}

func TestQueueDeclareArgs(t *testing.T) {
	args, err := buildQueueDeclareArgs("jobs", QueueFlags{Durable: true, AutoDelete: true}, amqp091.Table{"x-message-ttl": int32(1000)})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	r := NewArgReader(args)
	r.Short()
	name := r.ShortStr()
	bits := r.Octet()
	tbl := r.Table()
	if r.Err() != nil {
		t.Fatalf("decode failed: %v", r.Err())
	}
	if name != "jobs" || bits != 2|8 {
		t.Fatalf("unexpected name/bits %q/%b", name, bits)
	}
	if tbl["x-message-ttl"] != int32(1000) {
		t.Fatalf("ttl missing: %v", tbl)
	}
}
