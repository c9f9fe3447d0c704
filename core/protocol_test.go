package core

import "testing"

func TestParseProtocolBasic(t *testing.T) {
	input := "Status: OK\nCPUTime: 123\nRealTime: 150\nVMSize: 40960\n"
	run, err := ParseProtocol([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Verdict != VerdictOK {
		t.Errorf("verdict = %v, want OK", run.Verdict)
	}
	if run.CPUTime != 123 || run.RealTime != 150 || run.VMSize != 40960 {
		t.Errorf("unexpected run: %+v", run)
	}
}

func TestParseProtocolReorderedAndUnknownKeys(t *testing.T) {
	input := "VMSize: 2048\nExitCode: 0\nCPUTime: 10\nStatus: TL\nRealTime: 999\n"
	run, err := ParseProtocol([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Verdict != VerdictTL || run.CPUTime != 10 || run.RealTime != 999 || run.VMSize != 2048 {
		t.Errorf("unexpected run: %+v", run)
	}
}

func TestParseProtocolRepeatedKeyLastWins(t *testing.T) {
	input := "Status: OK\nCPUTime: 1\nCPUTime: 2\n"
	run, err := ParseProtocol([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.CPUTime != 2 {
		t.Errorf("CPUTime = %d, want 2 (last occurrence)", run.CPUTime)
	}
}

func TestParseProtocolMissingStatus(t *testing.T) {
	_, err := ParseProtocol([]byte("CPUTime: 10\n"))
	if err == nil {
		t.Fatal("expected an error when Status is absent")
	}
}

func TestParseProtocolMalformedNumber(t *testing.T) {
	_, err := ParseProtocol([]byte("Status: OK\nCPUTime: not-a-number\n"))
	if err == nil {
		t.Fatal("expected an error for a non-integer CPUTime")
	}
}

func TestParseProtocolOptionalFieldsDefaultToZero(t *testing.T) {
	run, err := ParseProtocol([]byte("Status: OK\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.CPUTime != 0 || run.RealTime != 0 || run.VMSize != 0 {
		t.Errorf("expected zero defaults, got %+v", run)
	}
}
