package notebookproto

import "testing"

func TestParseStart(t *testing.T) {
	ev, ok := Parse("FASTFLOW_CELL_START\t3")
	if !ok {
		t.Fatalf("expected ok")
	}
	if ev.Kind != EventStart || ev.Index != 3 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseOutputText(t *testing.T) {
	ev, ok := Parse("FASTFLOW_CELL_OUTPUT\t1\tstdout\ttext\thello world")
	if !ok {
		t.Fatalf("expected ok")
	}
	if ev.Stream != "stdout" || ev.Encoding != "text" || ev.Payload != "hello world" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseOutputBase64Decodes(t *testing.T) {
	// base64 for "a\nb"
	ev, ok := Parse("FASTFLOW_CELL_OUTPUT\t2\tstderr\tbase64\tYQpi")
	if !ok {
		t.Fatalf("expected ok")
	}
	text, err := DecodePayload(ev)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if text != "a\nb" {
		t.Fatalf("got %q", text)
	}
}

func TestParseEndSuccess(t *testing.T) {
	ev, ok := Parse("FASTFLOW_CELL_END\t0\tSUCCESS")
	if !ok {
		t.Fatalf("expected ok")
	}
	if ev.Status != EndSuccess {
		t.Fatalf("unexpected status: %+v", ev)
	}
}

func TestParseEndFailedWithError(t *testing.T) {
	ev, ok := Parse("FASTFLOW_CELL_END\t4\tFAILED[division by zero]")
	if !ok {
		t.Fatalf("expected ok")
	}
	if ev.Status != EndFailed || ev.Err != "division by zero" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseEndRetryingWithAttemptAndError(t *testing.T) {
	ev, ok := Parse("FASTFLOW_CELL_END\t2\tRETRYING2[timeout]")
	if !ok {
		t.Fatalf("expected ok")
	}
	if ev.Status != EndRetrying || ev.Attempt != 2 || ev.Err != "timeout" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseEndRetryingWithoutError(t *testing.T) {
	ev, ok := Parse("FASTFLOW_CELL_END\t2\tRETRYING1")
	if !ok {
		t.Fatalf("expected ok")
	}
	if ev.Status != EndRetrying || ev.Attempt != 1 || ev.Err != "" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseRejectsUnrelatedLine(t *testing.T) {
	if _, ok := Parse("plain stdout line from user code"); ok {
		t.Fatalf("expected not ok")
	}
}

func TestParseRejectsMalformedIndex(t *testing.T) {
	if _, ok := Parse("FASTFLOW_CELL_START\tnot-a-number"); ok {
		t.Fatalf("expected not ok")
	}
}

func TestCondensedLineRetrying(t *testing.T) {
	ev := Event{Kind: EventEnd, Index: 5, Status: EndRetrying, Attempt: 3, Err: "boom"}
	got := CondensedLine(ev)
	want := "[Notebook] Cell 5: retry attempt 3 (boom)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCondensedLineSuccess(t *testing.T) {
	ev := Event{Kind: EventEnd, Index: 0, Status: EndSuccess}
	if got := CondensedLine(ev); got != "[Notebook] Cell 0: succeeded" {
		t.Fatalf("got %q", got)
	}
}
