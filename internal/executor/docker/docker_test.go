package docker

import (
	"strings"
	"testing"
	"time"
)

func TestSplitTimestampParsesPrefix(t *testing.T) {
	line := "2026-07-30T12:00:00.123456789Z hello world"
	ts, text := splitTimestamp(line)
	if text != "hello world" {
		t.Fatalf("got text %q", text)
	}
	want, _ := time.Parse(time.RFC3339Nano, "2026-07-30T12:00:00.123456789Z")
	if !ts.Equal(want) {
		t.Fatalf("got ts %v, want %v", ts, want)
	}
}

func TestSplitTimestampFallsBackOnMalformedPrefix(t *testing.T) {
	_, text := splitTimestamp("not-a-timestamp but still content")
	if text != "not-a-timestamp but still content" {
		t.Fatalf("got %q", text)
	}
}

func TestEnvSliceFormatsKeyValuePairs(t *testing.T) {
	got := envSlice(map[string]string{"A": "1"})
	if len(got) != 1 || got[0] != "A=1" {
		t.Fatalf("got %v", got)
	}
}

func TestStatsDecoderParsesFrame(t *testing.T) {
	body := `{"cpu_stats":{"cpu_usage":{"total_usage":100},"system_cpu_usage":1000,"online_cpus":2},"memory_stats":{"usage":2097152,"limit":4194304}}`
	dec := newStatsDecoder(strings.NewReader(body))
	frame, err := dec.next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if frame.containerCPU != 100 || frame.systemCPU != 1000 || frame.onlineCPUs != 2 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.memUsage != 2097152 || frame.memLimit != 4194304 {
		t.Fatalf("unexpected memory fields: %+v", frame)
	}
}
