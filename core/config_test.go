package core

import (
	"os"
	"path/filepath"
	"testing"
)

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
}

func writeConfigFile(t *testing.T, dirs Dirs) string {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yml")
	contents := `
db:
  locator: "postgres://localhost/test"
dirs:
  problems: "` + dirs.Problems + `"
  compilers: "` + dirs.Compilers + `"
  runners: "` + dirs.Runners + `"
  checkers: "` + dirs.Checkers + `"
files:
  stdin: stdin.txt
  stdout: stdout.txt
  stderr: stderr.txt
  ejudge_log: ejudge.log
  compiler_log: compiler.log
behaviour:
  interval: 1.5
  time_multiplier: 2
  checker_comment_max_len: 512
`
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func TestLoadConfigResolvesDirsAndRegistries(t *testing.T) {
	root := t.TempDir()
	problems := filepath.Join(root, "problems")
	compilers := filepath.Join(root, "compilers")
	runners := filepath.Join(root, "runners")
	checkers := filepath.Join(root, "checkers")
	for _, d := range []string{problems, compilers, runners, checkers} {
		mustMkdir(t, d)
	}
	writeExecutable(t, compilers, "gcc")
	writeExecutable(t, runners, "native")
	writeExecutable(t, checkers, "wcmp")

	configPath := writeConfigFile(t, Dirs{Problems: problems, Compilers: compilers, Runners: runners, Checkers: checkers})

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Behaviour.TimeMultiplier != 2 {
		t.Errorf("TimeMultiplier = %v, want 2", cfg.Behaviour.TimeMultiplier)
	}
	if _, ok := cfg.Compilers.Resolve("gcc"); !ok {
		t.Error("expected gcc to resolve in Compilers registry")
	}
	if _, ok := cfg.Runners.Resolve("native"); !ok {
		t.Error("expected native to resolve in Runners registry")
	}
	if _, ok := cfg.Checkers.Resolve("wcmp"); !ok {
		t.Error("expected wcmp to resolve in Checkers registry")
	}
}

func TestLoadConfigRejectsSmallCommentLimit(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"problems", "compilers", "runners", "checkers"} {
		mustMkdir(t, filepath.Join(root, d))
	}
	writeExecutable(t, filepath.Join(root, "compilers"), "gcc")
	writeExecutable(t, filepath.Join(root, "runners"), "native")
	writeExecutable(t, filepath.Join(root, "checkers"), "wcmp")

	configPath := filepath.Join(root, "config.yml")
	contents := `
db:
  locator: "postgres://localhost/test"
dirs:
  problems: "` + filepath.Join(root, "problems") + `"
  compilers: "` + filepath.Join(root, "compilers") + `"
  runners: "` + filepath.Join(root, "runners") + `"
  checkers: "` + filepath.Join(root, "checkers") + `"
behaviour:
  interval: 1
  time_multiplier: 1
  checker_comment_max_len: 2
`
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(configPath); err == nil {
		t.Fatal("expected an error for checker_comment_max_len < 3")
	}
}

func TestExpandUserNoTilde(t *testing.T) {
	got, err := expandUser("/already/absolute")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/already/absolute" {
		t.Errorf("got %q, want unchanged", got)
	}
}

func TestExpandUserBareTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got, err := expandUser("~")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != home {
		t.Errorf("got %q, want %q", got, home)
	}
}
