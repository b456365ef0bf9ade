package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/xvm/journal"
	"github.com/chazu/xvm/manifest"
	"github.com/chazu/xvm/server"
	"github.com/chazu/xvm/vm/dist"
)

func TestSplitCall(t *testing.T) {
	tests := []struct {
		in              string
		service, method string
		ok              bool
	}{
		{"counter.get", "counter", "get", true},
		{"a.b.c", "a.b", "c", true},
		{"counter", "", "", false},
		{".get", "", "", false},
		{"counter.", "", "", false},
	}
	for _, tt := range tests {
		service, method, err := splitCall(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("splitCall(%q) err = %v", tt.in, err)
			continue
		}
		if service != tt.service || method != tt.method {
			t.Errorf("splitCall(%q) = %q, %q", tt.in, service, method)
		}
	}
}

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"12", "-3", "true", "hello", "1.5"})
	want := []dist.Value{dist.Int(12), dist.Int(-3), dist.Bool(true), dist.String("hello"), dist.String("1.5")}
	if len(got) != len(want) {
		t.Fatalf("parseArgs = %v", got)
	}
	for i := range want {
		if got[i].String() != want[i].String() || got[i].Kind != want[i].Kind {
			t.Errorf("arg %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	resp := &server.InvokeResponse{Results: []dist.Value{dist.Int(1), dist.String("b")}}
	if err := printResult(&buf, "echo.pair", resp); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "1\nb\n" {
		t.Errorf("output = %q", got)
	}

	exc := dist.Value{Kind: dist.ValueException, Type: "Exception", Str: "broken"}
	err := printResult(&buf, "counter.fail", &server.InvokeResponse{Error: &exc})
	var ex *exceptionError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want an exception", err)
	}
	if ex.Error() != "counter.fail raised Exception: broken" {
		t.Errorf("message = %q", ex.Error())
	}
}

func TestEngineFromManifest(t *testing.T) {
	dir := t.TempDir()
	config := `
[engine]
op-budget = 5
workers = 2

[journal]
path = "journal.db"

[services.tally]
template = "Counter"
args = [40]
`
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := loadManifest(filepath.Join(dir, manifest.FileName))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e, err := startEngine(ctx, m)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := e.invoke(ctx, "tally", "increment", parseArgs([]string{"2"}))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := printResult(&buf, "tally.increment", resp); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "42\n" {
		t.Errorf("output = %q, want 42", buf.String())
	}
	if e.container.Lookup("counter") != nil {
		t.Error("default services started alongside declared ones")
	}
	e.close()

	sink, err := journal.Open(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	entries, err := sink.Entries("tally")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 4 {
		t.Errorf("journal has %d entries, want at least 4", len(entries))
	}
}

func TestEngineDefaultServices(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e, err := startEngine(ctx, manifest.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer e.close()

	resp, err := e.invoke(ctx, "echo", "echo", []dist.Value{dist.String("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Str != "hi" {
		t.Errorf("echo = %v", resp.Results)
	}
}
