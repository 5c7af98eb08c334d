package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

const krakenSpec = `
name: Kraken
ws_base: wss://ws.kraken.com/v2
rest_base: https://api.kraken.com
endpoints:
  instruments: /0/public/AssetPairs
channels:
  trade: trade
  depth: book
`

func TestRenderAdapter(t *testing.T) {
	spec, err := parseAdapterSpec([]byte(krakenSpec))
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	if spec.Name != "kraken" {
		t.Fatalf("name not normalised: %q", spec.Name)
	}
	src, err := renderAdapter(spec)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	out := string(src)
	for _, want := range []string{
		"package kraken",
		`DefaultWSBase   = "wss://ws.kraken.com/v2"`,
		`instrumentsPath = "/0/public/AssetPairs"`,
		`case "trade":`,
		`case "book":`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("generated adapter lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Ticker.Enabled") {
		t.Fatalf("quote channel rendered without being configured")
	}
}

func TestParseAdapterSpecErrors(t *testing.T) {
	cases := map[string]string{
		"bad name":       "name: 9lives\nws_base: x\nrest_base: y\nendpoints: {instruments: /i}\nchannels: {trade: t}",
		"no ws":          "name: x\nrest_base: y\nendpoints: {instruments: /i}\nchannels: {trade: t}",
		"no instruments": "name: x\nws_base: x\nrest_base: y\nchannels: {trade: t}",
		"no channels":    "name: x\nws_base: x\nrest_base: y\nendpoints: {instruments: /i}",
	}
	for name, spec := range cases {
		if _, err := parseAdapterSpec([]byte(spec)); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestScaffoldWritesFile(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "kraken.yaml")
	if err := os.WriteFile(specPath, []byte(krakenSpec), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "reader")

	rootCmd.SetArgs([]string{"scaffold", "-o", out, specPath})
	rootCmd.SetErr(&bytes.Buffer{})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("scaffold: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "kraken", "venue.go")); err != nil {
		t.Fatalf("venue.go not written: %v", err)
	}

	rootCmd.SetArgs([]string{"scaffold", "-o", out, specPath})
	if err := rootCmd.Execute(); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
}

func TestReplayCommand(t *testing.T) {
	var stdout bytes.Buffer
	rootCmd.SetArgs([]string{"replay", "../../replay/testdata/golden.jsonl"})
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&bytes.Buffer{})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("replay: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	var last summary
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("summary line: %v", err)
	}
	if last.Type != "summary" || last.Read != 9 {
		t.Fatalf("unexpected summary %+v", last)
	}
	events := 0
	for _, l := range lines[:len(lines)-1] {
		var o struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(l), &o); err != nil {
			t.Fatalf("bad output line %q: %v", l, err)
		}
		if o.Type == "event" {
			events++
		}
	}
	if events != last.Accepted || events == 0 {
		t.Fatalf("printed %d events, summary says %d", events, last.Accepted)
	}
}

func TestPackPushRejectsInvalidPack(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.jsonl")
	if err := os.WriteFile(bad, []byte("{\"venue\":\"binance\",\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty.jsonl")
	if err := os.WriteFile(empty, []byte("\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{bad, empty} {
		rootCmd.SetArgs([]string{"pack", "push", path})
		rootCmd.SetErr(&bytes.Buffer{})
		err := rootCmd.Execute()
		if err == nil || !strings.Contains(err.Error(), path) {
			t.Fatalf("%s: expected a validation error, got %v", path, err)
		}
	}
}
