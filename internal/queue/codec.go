package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EncodeSeriesKey encodes a series id as a big-endian fixed-width key.
// Big-endian, rather than little-endian, is required because bbolt orders
// keys by byte comparison: only a big-endian encoding makes that byte
// order agree with numeric order, which callers like the Git Engine's
// ingest loop rely on to process "needs testing" oldest-first.
func EncodeSeriesKey(seriesID int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(seriesID))
	return buf
}

// DecodeSeriesKey reverses EncodeSeriesKey.
func DecodeSeriesKey(key []byte) (int64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("queue: malformed series key (want 8 bytes, got %d)", len(key))
	}
	return int64(binary.BigEndian.Uint64(key)), nil
}

// EncodeRunnerResult serialises a RunnerResult-shaped value as JSON for
// storage as a queue value. JSON (rather than a fixed binary layout) is
// used because RunnerResult carries optional string fields and is never
// compared byte-for-byte — only decoded — so JSON's self-description costs
// nothing and keeps the codec stable across field additions.
func EncodeRunnerResult(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode runner result: %w", err)
	}
	return b, nil
}

// DecodeRunnerResult decodes a value previously written by EncodeRunnerResult.
func DecodeRunnerResult(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode runner result: %w", err)
	}
	return nil
}

// DispatchKey builds the composite "needs dispatch" key
// "<handle> <series> <job_name>". The job name may
// itself contain spaces; DispatchKey does not escape it, and
// ParseDispatchKey relies on the series id token being unambiguous (it is
// always purely numeric) to find the split point.
func DispatchKey(handle string, seriesID int64, jobName string) string {
	return handle + " " + strconv.FormatInt(seriesID, 10) + " " + jobName
}

// ParseDispatchKey reverses DispatchKey: handle is the first token, series
// is the second (numeric) token, and job name is every remaining
// space-joined token.
func ParseDispatchKey(key string) (handle string, seriesID int64, jobName string, err error) {
	parts := strings.SplitN(key, " ", 3)
	if len(parts) != 3 {
		return "", 0, "", fmt.Errorf("queue: malformed dispatch key %q", key)
	}
	handle = parts[0]
	seriesID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", fmt.Errorf("queue: malformed dispatch key %q: %w", key, err)
	}
	jobName = parts[2]
	return handle, seriesID, jobName, nil
}
