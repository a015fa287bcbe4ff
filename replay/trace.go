package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const traceSchemaVersion = 1

// LoadTrace reads a locally recorded trajectory. A missing or unreadable
// file maps to replay.trace_not_found.
func LoadTrace(path string) (*TrajectoryTrace, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, Errf(ErrTraceNotFound, "trace file %s", path)
	}
	if err != nil {
		return nil, Wrap(ErrTraceNotFound, "read trace", err)
	}
	var trace TrajectoryTrace
	if err := json.Unmarshal(raw, &trace); err != nil {
		return nil, Wrap(ErrTraceNotFound, "decode trace", err)
	}
	if trace.SchemaVersion != traceSchemaVersion {
		return nil, Errf(ErrTraceNotFound, "trace schema_version %d != %d",
			trace.SchemaVersion, traceSchemaVersion)
	}
	return &trace, nil
}

// SaveTrace writes a trajectory in canonical form, atomically.
func SaveTrace(path string, trace *TrajectoryTrace) error {
	if trace == nil {
		return errors.New("nil trace")
	}
	if trace.SchemaVersion == 0 {
		trace.SchemaVersion = traceSchemaVersion
	}
	events := make([]any, len(trace.Events))
	for i := range trace.Events {
		events[i] = trace.Events[i].canonicalValue()
	}
	raw := CanonicalBytes(map[string]any{
		"schema_version": int64(trace.SchemaVersion),
		"trace_id":       trace.TraceID,
		"seed":           trace.Seed,
		"created_at_ms":  trace.CreatedAtMs,
		"events":         events,
	})
	raw = append(raw, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return writeFileAtomic(path, raw, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
