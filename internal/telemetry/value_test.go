package telemetry

import (
	"encoding/json"
	"testing"
)

func TestParseValue_RoundTrip(t *testing.T) {
	src := []byte(`{"temperature":21.5,"ok":true,"tags":["a","b"],"nested":{"rpm":1200},"note":null}`)

	v, err := ParseValue(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if v.Kind() != KindObject {
		t.Fatalf("expected object, got %s", v.Kind())
	}

	temp, ok := v.Field("temperature")
	if !ok {
		t.Fatal("temperature missing")
	}
	f, ok := temp.AsFloat()
	if !ok || f != 21.5 {
		t.Errorf("expected temperature=21.5, got %v (ok=%v)", f, ok)
	}

	tags, _ := v.Field("tags")
	if tags.Len() != 2 {
		t.Errorf("expected 2 tags, got %d", tags.Len())
	}

	note, _ := v.Field("note")
	if !note.IsNull() {
		t.Error("expected note to be null")
	}

	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Value
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}

	rpm, err := back.Extract("nested.rpm")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if f, _ := rpm.AsFloat(); f != 1200 {
		t.Errorf("expected nested.rpm=1200, got %v", f)
	}
}

func TestValue_Extract(t *testing.T) {
	v := Object(map[string]Value{
		"motor": Object(map[string]Value{
			"rpm": Number(900),
		}),
		"readings": Array(Number(1), Number(2), Number(3)),
	})

	rpm, err := v.Extract("motor.rpm")
	if err != nil {
		t.Fatalf("extract motor.rpm: %v", err)
	}
	if f, _ := rpm.AsFloat(); f != 900 {
		t.Errorf("expected 900, got %v", f)
	}

	second, err := v.Extract("readings[1]")
	if err != nil {
		t.Fatalf("extract readings[1]: %v", err)
	}
	if f, _ := second.AsFloat(); f != 2 {
		t.Errorf("expected 2, got %v", f)
	}

	// Walking off the structure resolves to null, not an error.
	missing, err := v.Extract("motor.torque")
	if err != nil {
		t.Fatalf("extract missing: %v", err)
	}
	if !missing.IsNull() {
		t.Error("expected null for missing path")
	}

	oob, err := v.Extract("readings[9]")
	if err != nil {
		t.Fatalf("extract out of bounds: %v", err)
	}
	if !oob.IsNull() {
		t.Error("expected null for out-of-bounds index")
	}
}

func TestParsePath_Malformed(t *testing.T) {
	bad := []string{"", "a..b", "a[", "a[x]", "a[-1]", "a[1"}
	for _, path := range bad {
		if _, err := ParsePath(path); err == nil {
			t.Errorf("expected error for path %q", path)
		}
	}
}

func TestJSONPath(t *testing.T) {
	cases := map[string]string{
		"temperature":       "$.temperature",
		"motor.rpm":         "$.motor.rpm",
		"readings[2].value": "$.readings[2].value",
	}
	for path, want := range cases {
		got, err := JSONPath(path)
		if err != nil {
			t.Fatalf("JSONPath(%q): %v", path, err)
		}
		if got != want {
			t.Errorf("JSONPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestBucketStart_EpochAligned(t *testing.T) {
	hour := int64(3600 * 1000)

	// 10:37 aligns to 10:00 regardless of any query start.
	ts := int64(10*3600*1000 + 37*60*1000)
	if got := BucketStart(ts, hour); got != 10*3600*1000 {
		t.Errorf("expected 10:00 boundary, got %d", got)
	}

	// Exact boundary stays put.
	if got := BucketStart(hour, hour); got != hour {
		t.Errorf("expected boundary to map to itself, got %d", got)
	}

	// Pre-epoch timestamps still align downward.
	if got := BucketStart(-1, hour); got != -hour {
		t.Errorf("expected -1h boundary for ts=-1, got %d", got)
	}

	start, end := BucketRange(ts, hour)
	if end-start != hour {
		t.Errorf("expected bucket width %d, got %d", hour, end-start)
	}
}

func TestParseAggregation(t *testing.T) {
	for _, name := range []string{"avg", "sum", "min", "max", "count", "first", "last", "median", "p50", "p90", "p95", "p99"} {
		agg, err := ParseAggregation(name)
		if err != nil {
			t.Errorf("ParseAggregation(%q): %v", name, err)
			continue
		}
		if name != "median" && agg.String() != name {
			t.Errorf("round trip %q -> %q", name, agg.String())
		}
	}

	if _, err := ParseAggregation("stddev"); err == nil {
		t.Error("expected error for unsupported aggregation")
	}

	if q := AggP95.Quantile(); q != 0.95 {
		t.Errorf("expected quantile 0.95, got %f", q)
	}
	if !AggMedian.IsPercentile() {
		t.Error("median should be percentile-based")
	}
}
