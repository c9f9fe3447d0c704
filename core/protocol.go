package core

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
)

// Run is the decoded result of one sandbox execution: a verdict plus the
// resource usage the sandbox measured, before any time_multiplier scaling.
type Run struct {
	Verdict  Verdict
	CPUTime  int64 // ms
	RealTime int64 // ms
	VMSize   int64 // bytes
}

// ParseProtocol decodes the sandbox's "Key: Value" line protocol.
//
// Status is required and must be one of OK/TL/ML/RT/SV. CPUTime, RealTime
// and VMSize are optional integers defaulting to 0 when absent. Unknown
// keys are ignored. When a key repeats, the last occurrence wins.
func ParseProtocol(stdout []byte) (Run, error) {
	var run Run
	var status string
	haveStatus := false

	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	for scanner.Scan() {
		line := scanner.Bytes()
		key, value, ok := bytes.Cut(line, []byte(": "))
		if !ok {
			continue
		}
		switch string(key) {
		case "Status":
			status = string(value)
			haveStatus = true
		case "CPUTime":
			v, err := strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return Run{}, &MalformedProtocol{Reason: fmt.Sprintf("malformed CPUTime: %s", value)}
			}
			run.CPUTime = v
		case "RealTime":
			v, err := strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return Run{}, &MalformedProtocol{Reason: fmt.Sprintf("malformed RealTime: %s", value)}
			}
			run.RealTime = v
		case "VMSize":
			v, err := strconv.ParseInt(string(value), 10, 64)
			if err != nil {
				return Run{}, &MalformedProtocol{Reason: fmt.Sprintf("malformed VMSize: %s", value)}
			}
			run.VMSize = v
		}
	}

	if !haveStatus {
		return Run{}, &MalformedProtocol{Reason: "no Status"}
	}
	verdict, err := VerdictFromSandboxStatus(status)
	if err != nil {
		return Run{}, err
	}
	run.Verdict = verdict
	return run, nil
}
