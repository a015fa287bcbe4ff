package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/sha3"

	"agenc.dev/replay/replay"
)

// gen-replay-fixtures regenerates the deterministic conformance fixtures:
// the chaos raw-event capture, its projected reference output, and a digest
// manifest pinning every fixture file.

type fixtureManifest struct {
	Type                  string            `json:"type"`
	SchemaVersion         int               `json:"schema_version"`
	Seed                  uint64            `json:"seed"`
	EventsHash            string            `json:"events_hash"`
	FixturesDigestSHA3256 string            `json:"fixtures_digest_sha3_256"`
	Files                 map[string]string `json:"files"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gen-replay-fixtures", flag.ContinueOnError)
	fs.SetOutput(stderr)
	outDir := fs.String("out", "fixtures", "output directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := generate(*outDir, stdout); err != nil {
		_, _ = fmt.Fprintf(stderr, "gen-replay-fixtures: %v\n", err)
		return 1
	}
	return 0
}

func generate(outDir string, stdout io.Writer) error {
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return err
	}

	events := replay.ChaosFixtureEvents()
	var capture []byte
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		val, err := replay.CanonicalParse(string(raw))
		if err != nil {
			return err
		}
		capture = replay.AppendCanonical(capture, val)
		capture = append(capture, '\n')
	}
	capturePath := filepath.Join(outDir, "replay-chaos-fixture.jsonl")
	if err := os.WriteFile(capturePath, capture, 0o600); err != nil {
		return err
	}

	result, err := replay.Project(events, replay.ProjectOptions{
		Mode: replay.ModeLenient,
		Seed: replay.ChaosFixtureSeed,
	})
	if err != nil {
		return err
	}
	var projected []byte
	for _, ev := range result.Events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		val, err := replay.CanonicalParse(string(raw))
		if err != nil {
			return err
		}
		projected = replay.AppendCanonical(projected, val)
		projected = append(projected, '\n')
	}
	projectedPath := filepath.Join(outDir, "replay-chaos-projected.jsonl")
	if err := os.WriteFile(projectedPath, projected, 0o600); err != nil {
		return err
	}

	manifest := fixtureManifest{
		Type:          "replay_fixture_manifest",
		SchemaVersion: 1,
		Seed:          replay.ChaosFixtureSeed,
		EventsHash:    replay.EventsHash(result.Events),
		Files: map[string]string{
			"replay-chaos-fixture.jsonl":   sha3Hex(capture),
			"replay-chaos-projected.jsonl": sha3Hex(projected),
		},
	}
	manifest.FixturesDigestSHA3256 = combinedDigest(manifest.Files)

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	if err := os.WriteFile(filepath.Join(outDir, "manifest.json"), raw, 0o600); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(stdout, "wrote %d fixture files to %s (events_hash=%s)\n",
		len(manifest.Files)+1, outDir, manifest.EventsHash)
	return nil
}

func sha3Hex(b []byte) string {
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// combinedDigest hashes the per-file digests in name order.
func combinedDigest(files map[string]string) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha3.New256()
	for _, name := range names {
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(files[name]))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
