package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/leasewire"
)

type cliResult struct {
	stdout string
	stderr string
}

func runCLI(t *testing.T, stdin string, args ...string) (cliResult, error) {
	t.Helper()
	root := newRootCommand(pslog.NoopLogger())
	var stdout, stderr bytes.Buffer
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return cliResult{stdout: stdout.String(), stderr: stderr.String()}, err
}

func mustRunCLI(t *testing.T, stdin string, args ...string) cliResult {
	t.Helper()
	res, err := runCLI(t, stdin, args...)
	if err != nil {
		t.Fatalf("leasewire %s: %v (stderr %q)", strings.Join(args, " "), err, res.stderr)
	}
	return res
}

// isolateConfig keeps a config file in the user's home out of the test.
func isolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LEASEWIRE_CONFIG_DIR", dir)
	return dir
}

func TestKVCommands(t *testing.T) {
	isolateConfig(t)
	ts := leasewire.StartTestServer(t)
	agent := []string{"--agent", ts.Address()}

	res := mustRunCLI(t, "", append([]string{"kv", "put", "settings", "theme", "dark"}, agent...)...)
	if !strings.Contains(res.stderr, "stored theme (4B)") {
		t.Fatalf("unexpected put report %q", res.stderr)
	}
	mustRunCLI(t, "compact", append([]string{"kv", "put", "settings", "layout", "-"}, agent...)...)

	res = mustRunCLI(t, "", append([]string{"kv", "get", "settings", "theme"}, agent...)...)
	if res.stdout != "dark" {
		t.Fatalf("get theme = %q, want dark", res.stdout)
	}
	res = mustRunCLI(t, "", append([]string{"kv", "ls", "settings"}, agent...)...)
	if !strings.Contains(res.stdout, "theme\n") || !strings.Contains(res.stdout, "layout\n") {
		t.Fatalf("list missing keys: %q", res.stdout)
	}
	res = mustRunCLI(t, "", append([]string{"kv", "list", "settings", "--prefix", "lay"}, agent...)...)
	if res.stdout != "layout\n" {
		t.Fatalf("prefixed list = %q", res.stdout)
	}
	res = mustRunCLI(t, "", append([]string{"kv", "namespaces"}, agent...)...)
	if !strings.Contains(res.stdout, "settings") {
		t.Fatalf("namespaces = %q", res.stdout)
	}

	mustRunCLI(t, "", append([]string{"kv", "rm", "settings", "theme"}, agent...)...)
	if _, err := runCLI(t, "", append([]string{"kv", "get", "settings", "theme"}, agent...)...); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	mustRunCLI(t, "", append([]string{"kv", "drop", "settings"}, agent...)...)
	if _, err := runCLI(t, "", append([]string{"kv", "drop", "settings"}, agent...)...); err == nil {
		t.Fatalf("expected second drop to fail")
	}
}

func TestCacheCommands(t *testing.T) {
	isolateConfig(t)
	ts := leasewire.StartTestServer(t)
	agent := []string{"--agent", ts.Address()}
	const url = "https://example.test/docs?page=1"

	mustRunCLI(t, "<h1>docs</h1>", append([]string{"cache", "put", "pages", url,
		"--response-header", "Content-Type: text/html"}, agent...)...)

	res := mustRunCLI(t, "", append([]string{"cache", "match", url}, agent...)...)
	if res.stdout != "<h1>docs</h1>" {
		t.Fatalf("match body = %q", res.stdout)
	}
	res = mustRunCLI(t, "", append([]string{"cache", "match", "pages", url, "-i"}, agent...)...)
	if !strings.HasPrefix(res.stdout, "200 OK\n") || !strings.Contains(res.stdout, "Content-Type: text/html") {
		t.Fatalf("match with headers = %q", res.stdout)
	}
	if _, err := runCLI(t, "", append([]string{"cache", "match", "pages", "https://example.test/docs"}, agent...)...); err == nil {
		t.Fatalf("expected miss without --ignore-search")
	}
	mustRunCLI(t, "", append([]string{"cache", "match", "pages", "https://example.test/docs", "--ignore-search"}, agent...)...)

	res = mustRunCLI(t, "", append([]string{"cache", "keys"}, agent...)...)
	if res.stdout != "pages\n" {
		t.Fatalf("cache names = %q", res.stdout)
	}
	res = mustRunCLI(t, "", append([]string{"cache", "keys", "pages"}, agent...)...)
	if res.stdout != "GET "+url+"\n" {
		t.Fatalf("cache keys = %q", res.stdout)
	}
	if _, err := runCLI(t, "", append([]string{"cache", "keys", "missing"}, agent...)...); err == nil {
		t.Fatalf("expected unknown cache to fail")
	}

	mustRunCLI(t, "", append([]string{"cache", "delete", "pages", url}, agent...)...)
	res = mustRunCLI(t, "", append([]string{"cache", "keys", "pages"}, agent...)...)
	if res.stdout != "" {
		t.Fatalf("keys after delete = %q", res.stdout)
	}
	mustRunCLI(t, "", append([]string{"cache", "rm", "pages"}, agent...)...)
	res = mustRunCLI(t, "", append([]string{"cache", "keys"}, agent...)...)
	if res.stdout != "" {
		t.Fatalf("cache names after delete = %q", res.stdout)
	}
}

func TestCachePutRejectsNonHTTP(t *testing.T) {
	isolateConfig(t)
	ts := leasewire.StartTestServer(t)
	_, err := runCLI(t, "body", "cache", "put", "pages", "ftp://example.test/a", "--agent", ts.Address())
	if err == nil || !strings.Contains(err.Error(), "scheme") {
		t.Fatalf("expected scheme error, got %v", err)
	}
}

func TestLeaseHoldFor(t *testing.T) {
	isolateConfig(t)
	ts := leasewire.StartTestServer(t)
	res := mustRunCLI(t, "", "lease", "hold", "nightly", "--for", "20ms", "--agent", ts.Address())
	if strings.TrimSpace(res.stdout) == "" {
		t.Fatalf("expected lease token on stdout")
	}
	held, _ := ts.Server.Agent().Locks().Stats()
	if held != 0 {
		t.Fatalf("expected lease released after hold, %d held", held)
	}
}

func TestLeaseHoldRejectsCommandWithoutDash(t *testing.T) {
	isolateConfig(t)
	if _, err := runCLI(t, "", "lease", "hold", "nightly", "true"); err == nil || !strings.Contains(err.Error(), "--") {
		t.Fatalf("expected separator error, got %v", err)
	}
}

func TestConfigDumpMergesFlagsAndFile(t *testing.T) {
	dir := isolateConfig(t)
	path := filepath.Join(dir, "custom.yaml")
	data := "store: disk:///var/lib/leasewire\ncall-timeout: 5s\nchunk-size: 32KiB\ns3-secret-access-key: hunter2\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	res := mustRunCLI(t, "", "config", "dump", "-c", path, "--listen", "127.0.0.1:7000")
	for _, want := range []string{
		"store: disk:///var/lib/leasewire\n",
		"call-timeout: 5s\n",
		"chunk-size: 32KiB\n",
		"listen: 127.0.0.1:7000\n",
		"s3-secret-access-key: <redacted>\n",
	} {
		if !strings.Contains(res.stdout, want) {
			t.Fatalf("dump missing %q:\n%s", want, res.stdout)
		}
	}
}

func TestConfigDumpRejectsInvalid(t *testing.T) {
	isolateConfig(t)
	if _, err := runCLI(t, "", "config", "dump", "--store", "nowhere"); err == nil {
		t.Fatalf("expected invalid store to fail")
	}
	if _, err := runCLI(t, "", "config", "dump", "--chunk-size", "lots"); err == nil || !strings.Contains(err.Error(), "chunk-size") {
		t.Fatalf("expected size parse error, got %v", err)
	}
}

func TestConfigGen(t *testing.T) {
	dir := isolateConfig(t)
	res := mustRunCLI(t, "", "config", "gen")
	path := filepath.Join(dir, leasewire.DefaultConfigFileName)
	if !strings.Contains(res.stdout, path) {
		t.Fatalf("gen output %q does not name %s", res.stdout, path)
	}
	if _, err := runCLI(t, "", "config", "gen"); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Fatalf("expected existing file to be refused, got %v", err)
	}
	mustRunCLI(t, "", "config", "gen", "--force")

	// The generated file is picked up implicitly from the config dir.
	res = mustRunCLI(t, "", "config", "dump")
	for _, want := range []string{"store: mem://\n", "listen: " + leasewire.DefaultListen + "\n", "inline-limit: 16KiB\n"} {
		if !strings.Contains(res.stdout, want) {
			t.Fatalf("dump of generated config missing %q:\n%s", want, res.stdout)
		}
	}

	res = mustRunCLI(t, "", "config", "gen", "--stdout")
	if !strings.Contains(res.stdout, "max-frame: 16MiB") {
		t.Fatalf("gen --stdout = %q", res.stdout)
	}
	if _, err := runCLI(t, "", "config", "gen", "--stdout", "--out", path); err == nil {
		t.Fatalf("expected --stdout with --out to fail")
	}
}

func TestVerifyStoreCommand(t *testing.T) {
	isolateConfig(t)
	res := mustRunCLI(t, "", "verify", "store", "--store", "disk://"+t.TempDir())
	if !strings.Contains(res.stdout, "Provider: disk") || !strings.Contains(res.stdout, "✔ ConditionalUpdate") {
		t.Fatalf("verify output = %q", res.stdout)
	}
	if !strings.HasSuffix(res.stdout, "Storage verification succeeded.\n") {
		t.Fatalf("missing success line: %q", res.stdout)
	}
}

func TestVersionCommand(t *testing.T) {
	isolateConfig(t)
	res := mustRunCLI(t, "", "version")
	if !strings.Contains(res.stdout, "leasewire") {
		t.Fatalf("version output = %q", res.stdout)
	}
}

func TestChangedFields(t *testing.T) {
	a := leasewire.Config{Store: "mem://", CallTimeout: time.Second}
	b := a
	b.CallTimeout = 2 * time.Second
	b.Compress = true
	got := changedFields(a, b)
	if strings.Join(got, ",") != "call-timeout,compress" {
		t.Fatalf("changedFields = %v", got)
	}
}
