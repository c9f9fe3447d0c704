package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/shlex"
)

// Outcome is the closed result of judging one attempt: exactly one of Done,
// Recoverable or Fatal. It replaces the nested try/except hierarchy of the
// original tester with a type a caller must switch over exhaustively.
type Outcome interface {
	judgeOutcome()
	Error() string
}

// Done means the attempt reached a terminal state and that state has
// already been written to the store. FinalState is the result string that
// was persisted, for logging only.
type Done struct {
	FinalState string
}

// Recoverable means judging this attempt failed in a way that does not
// indicate worker corruption: the attempt's last persisted state stands,
// and the worker loop should move on to the next claim.
type Recoverable struct {
	Err error
}

// Fatal means the worker itself is in a bad state (e.g. the working
// directory is gone, the DB connection is dead) and the loop should stop.
type Fatal struct {
	Err error
}

func (Done) judgeOutcome()        {}
func (Recoverable) judgeOutcome() {}
func (Fatal) judgeOutcome()       {}

func (d Done) Error() string       { return fmt.Sprintf("done: %s", d.FinalState) }
func (r Recoverable) Error() string { return r.Err.Error() }
func (f Fatal) Error() string       { return f.Err.Error() }
func (r Recoverable) Unwrap() error { return r.Err }
func (f Fatal) Unwrap() error       { return f.Err }

// checkerResolveError is a Recoverable cause: the problem names a checker
// this worker cannot locate.
type checkerResolveError struct {
	problemPath string
	checker     string
}

func (e *checkerResolveError) Error() string {
	return fmt.Sprintf("problem %s: cannot locate checker %q", e.problemPath, e.checker)
}

// VerdictEvent is what the event bus publishes when an attempt reaches a
// terminal state.
type VerdictEvent struct {
	AttemptID int64
	Result    string
}

// Pipeline drives a single attempt from claimed to terminal. Cwd is the
// scratch working directory the CLI created; it is wiped clean before every
// attempt and used to stage the test I/O files and the compiler and sandbox
// logs; the compiled artifact itself is kept in memory.
type Pipeline struct {
	Store AttemptStore
	Cfg   Config
	Cwd   string
	Bus   *EventBus // optional, nil disables publication
}

// Judge runs the full compile/test/score state machine against attempt and
// returns how it concluded. An unknown compiler or runner codename,
// malformed sandbox output and a checker that cannot be located become
// Recoverable outcomes; a subprocess that cannot be started or a failed
// store write becomes Fatal.
func (p *Pipeline) Judge(ctx context.Context, attempt *Attempt) Outcome {
	problem := attempt.PIC.Problem
	contest := attempt.PIC.Contest
	problemRoot := filepath.Join(p.Cfg.Dirs.Problems, problem.Path)

	log.Printf("judging attempt %d (user=%s problem=%s compiler=%s)",
		attempt.ID, attempt.User.Login, problem.Name, attempt.Compiler.Name)

	if err := cleanDir(p.Cwd); err != nil {
		return Fatal{fmt.Errorf("cleaning working directory: %w", err)}
	}

	compilerPath, ok := p.Cfg.Compilers.Resolve(attempt.Compiler.Codename)
	if !ok {
		return p.finishRecoverable(ctx, attempt, fmt.Errorf("unknown compiler codename %q", attempt.Compiler.Codename))
	}
	runnerPath, ok := p.Cfg.Runners.Resolve(attempt.Compiler.RunnerCodename)
	if !ok {
		return p.finishRecoverable(ctx, attempt, fmt.Errorf("unknown runner codename %q", attempt.Compiler.RunnerCodename))
	}

	compiling := "Compiling..."
	if err := p.Store.UpdateResult(ctx, attempt.ID, compiling, ResultUpdate{}); err != nil {
		return Fatal{fmt.Errorf("writing compiling state: %w", err)}
	}

	artifact, compileFailed, compileErr, err := p.compile(compilerPath, attempt.Source)
	if err != nil {
		return Fatal{fmt.Errorf("invoking compiler: %w", err)}
	}
	if compileFailed {
		return p.finishResult(ctx, attempt, "Compilation error", ResultUpdate{
			ErrorMessage: &compileErr,
		})
	}

	var maxTimeMS int64 = 1 // ms
	var maxVMBytes int64 = 125 << 10 // 125 KB, matching the floor below
	var passedTests, totalTests int

	for testNumber := 1; ; testNumber++ {
		inputPath := filepath.Join(problemRoot, fmt.Sprintf(problem.MaskIn, testNumber))
		if _, err := os.Stat(inputPath); err != nil {
			break // no more tests
		}
		totalTests = testNumber

		transient := fmt.Sprintf("Testing... %d", testNumber)
		usedTimeS := float64(maxTimeMS) / 1000
		usedMemKB := float64(maxVMBytes >> 10)
		if err := p.Store.UpdateResult(ctx, attempt.ID, transient, ResultUpdate{
			UsedTime:   &usedTimeS,
			UsedMemory: &usedMemKB,
		}); err != nil {
			return Fatal{fmt.Errorf("writing transient state: %w", err)}
		}

		if err := copyFile(inputPath, filepath.Join(p.Cwd, p.Cfg.Files.Stdin)); err != nil {
			return Fatal{fmt.Errorf("staging test %d input: %w", testNumber, err)}
		}

		run, _, err := p.runSandbox(runnerPath, artifact, problem)
		if err != nil {
			if _, ok := err.(*MalformedProtocol); ok {
				return Recoverable{Err: fmt.Errorf("sandbox output on test %d: %w", testNumber, err)}
			}
			return Fatal{fmt.Errorf("invoking sandbox on test %d: %w", testNumber, err)}
		}

		cpuTimeMS := int64(math.Round(float64(run.CPUTime) * p.Cfg.Behaviour.TimeMultiplier))
		realTimeMS := int64(math.Round(float64(run.RealTime) * p.Cfg.Behaviour.TimeMultiplier))
		if cpuTimeMS > maxTimeMS {
			maxTimeMS = cpuTimeMS
		}
		if run.VMSize > maxVMBytes {
			maxVMBytes = run.VMSize
		}

		verdict := reclassifyIL(run.Verdict, cpuTimeMS, realTimeMS, problem.TimeLimitMS)

		var checkerComment string
		if verdict == VerdictOK {
			outPath := os.DevNull
			if problem.MaskOut != "" {
				outPath = filepath.Join(problemRoot, fmt.Sprintf(problem.MaskOut, testNumber))
			}
			checkerVerdict, comment, cerr := p.runChecker(problem, problemRoot, inputPath, outPath)
			if cerr != nil {
				if _, ok := cerr.(*checkerResolveError); ok {
					// matches tester.py's "except RecoverableError: logging.error(...)":
					// nothing is written, the attempt's last persisted state stands.
					return Recoverable{Err: cerr}
				}
				return Fatal{fmt.Errorf("invoking checker on test %d: %w", testNumber, cerr)}
			}
			verdict = checkerVerdict
			checkerComment = truncateComment(decodeUTF8Lossy(comment), p.Cfg.Behaviour.CheckerCommentMaxLen)
		}

		if contest.IsSchool {
			testTimeS := float64(maxInt64(cpuTimeMS, 1)) / 1000
			testMemKB := float64(maxInt64(run.VMSize>>10, 125))
			if err := p.Store.RecordTestInfo(ctx, attempt.ID, testNumber, verdict.Label(), testTimeS, testMemKB, checkerComment); err != nil {
				return Fatal{fmt.Errorf("recording test %d info: %w", testNumber, err)}
			}
			if verdict == VerdictOK {
				passedTests++
			}
		}

		if verdict == VerdictSE {
			comment := checkerComment
			timeS := float64(maxTimeMS) / 1000
			memKB := float64(maxVMBytes >> 10)
			return p.finishResult(ctx, attempt, fmt.Sprintf("%s on test %d", verdict.Label(), testNumber), ResultUpdate{
				UsedTime:       &timeS,
				UsedMemory:     &memKB,
				CheckerComment: &comment,
			})
		}
		if !contest.IsSchool && verdict != VerdictOK {
			comment := checkerComment
			timeS := float64(maxTimeMS) / 1000
			memKB := float64(maxVMBytes >> 10)
			return p.finishResult(ctx, attempt, fmt.Sprintf("%s on test %d", verdict.Label(), testNumber), ResultUpdate{
				UsedTime:       &timeS,
				UsedMemory:     &memKB,
				CheckerComment: &comment,
			})
		}
		// school mode keeps going through a non-OK test to gather the full
		// per-test breakdown; competitive mode already returned above.
	}

	timeS := float64(maxTimeMS) / 1000
	memKB := float64(maxVMBytes >> 10)

	if !contest.IsSchool {
		return p.finishResult(ctx, attempt, "Accepted", ResultUpdate{
			UsedTime:   &timeS,
			UsedMemory: &memKB,
		})
	}

	score := float64(passedTests) / float64(totalTests) * 100
	return p.finishResult(ctx, attempt, "Tested", ResultUpdate{
		UsedTime:   &timeS,
		UsedMemory: &memKB,
		Score:      &score,
	})
}

func (p *Pipeline) finishResult(ctx context.Context, attempt *Attempt, result string, update ResultUpdate) Outcome {
	if err := p.Store.UpdateResult(ctx, attempt.ID, result, update); err != nil {
		return Fatal{fmt.Errorf("writing final result: %w", err)}
	}
	if p.Bus != nil {
		p.Bus.Publish(VerdictEvent{AttemptID: attempt.ID, Result: result})
	}
	return Done{FinalState: result}
}

func (p *Pipeline) finishRecoverable(ctx context.Context, attempt *Attempt, cause error) Outcome {
	msg := cause.Error()
	if err := p.Store.UpdateResult(ctx, attempt.ID, "Checker error", ResultUpdate{ErrorMessage: &msg}); err != nil {
		return Fatal{fmt.Errorf("writing recoverable-error state: %w", err)}
	}
	return Recoverable{Err: cause}
}

// compile invokes the compiler executable with the source fed on its stdin
// and no other arguments. The compiler's own stdout is the produced
// artifact: there is no intermediate file. Success or failure is keyed on
// the exit status alone, matching compile_source's `stdout if returncode==0
// else None` — a non-zero exit with empty stderr is still a failed compile.
// Only stderr ever reaches the compiler log, and only when non-empty — the
// artifact bytes never do.
func (p *Pipeline) compile(compilerPath, source string) (artifact []byte, failed bool, stderr string, err error) {
	cmd := exec.Command(compilerPath)
	cmd.Dir = p.Cwd
	cmd.Stdin = strings.NewReader(source)

	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if errBuf.Len() > 0 {
		if err := writeFile(filepath.Join(p.Cwd, p.Cfg.Files.CompilerLog), errBuf.Bytes()); err != nil {
			return nil, false, "", err
		}
	}
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return nil, false, "", runErr
		}
		return nil, true, errBuf.String(), nil
	}
	return out.Bytes(), false, "", nil
}

// runSandbox invokes the runner executable against the compiled artifact
// under the problem's limits. The artifact bytes are fed to the runner's own
// stdin; the runner's command-line arguments instead name the files holding
// the contestant program's stdin/stdout/stderr for the current test. The
// runner's stdout is the ejudge wire protocol, which is also persisted
// verbatim as the ejudge log.
func (p *Pipeline) runSandbox(runnerPath string, artifact []byte, problem Problem) (Run, []byte, error) {
	stdinPath := filepath.Join(p.Cwd, p.Cfg.Files.Stdin)
	stdoutPath := filepath.Join(p.Cwd, p.Cfg.Files.Stdout)
	stderrPath := filepath.Join(p.Cwd, p.Cfg.Files.Stderr)

	// The sandbox sees its limit shrunk by time_multiplier; measurements it
	// reports are scaled back up by the same factor once it returns, so the
	// contestant's program experiences the configured limit unchanged even
	// though the sandbox's own clock runs at a different rate.
	scaledTimeLimit := int64(math.Round(float64(problem.TimeLimitMS) / p.Cfg.Behaviour.TimeMultiplier))

	cmd := exec.Command(runnerPath,
		stdinPath,
		stdoutPath,
		stderrPath,
		strconv.FormatInt(scaledTimeLimit, 10),
		strconv.FormatInt(problem.MemoryLimitMB, 10),
	)
	cmd.Dir = p.Cwd
	cmd.Stdin = bytes.NewReader(artifact)

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return Run{}, nil, err
		}
		// a non-zero exit with well-formed protocol on stdout is how the
		// sandbox reports RT/TL/ML/SV; only a parse failure is our error.
	}
	if err := writeFile(filepath.Join(p.Cwd, p.Cfg.Files.EjudgeLog), out.Bytes()); err != nil {
		return Run{}, out.Bytes(), err
	}

	run, err := ParseProtocol(out.Bytes())
	if err != nil {
		return Run{}, out.Bytes(), err
	}
	return run, out.Bytes(), nil
}

// runChecker resolves and invokes the problem's checker against the
// produced output, returning the verdict derived from its exit code and its
// stderr as the raw (not yet decoded/truncated) comment.
func (p *Pipeline) runChecker(problem Problem, problemRoot, inputPath, expectedPath string) (Verdict, string, error) {
	checkerArgs, err := p.resolveChecker(problem, problemRoot)
	if err != nil {
		return "", "", err
	}

	producedPath := filepath.Join(p.Cwd, p.Cfg.Files.Stdout)

	args := append(append([]string{}, checkerArgs[1:]...), inputPath, producedPath, expectedPath)
	cmd := exec.Command(checkerArgs[0], args...)
	cmd.Dir = problemRoot

	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf

	exitCode := 0
	if err := cmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return "", "", err
		}
		exitCode = exitErr.ExitCode()
	}

	return VerdictFromCheckerExitCode(exitCode), errBuf.String(), nil
}

// resolveChecker splits a problem's checker field (e.g. "java -jar check.jar")
// the way a shell would and resolves only its first token: an absolute path
// used as-is, a bare name looked up in the checker registry, or a path
// relative to the problem's own directory. Remaining tokens are returned
// unchanged as leading arguments to the checker invocation.
func (p *Pipeline) resolveChecker(problem Problem, problemRoot string) ([]string, error) {
	fields, err := shlex.Split(problem.Checker)
	if err != nil || len(fields) == 0 {
		return nil, &checkerResolveError{problemPath: problem.Path, checker: problem.Checker}
	}
	name := fields[0]

	if filepath.IsAbs(name) {
		if fileExists(name) {
			fields[0] = name
			return fields, nil
		}
		return nil, &checkerResolveError{problemPath: problem.Path, checker: problem.Checker}
	}

	if path, ok := p.Cfg.Checkers.Resolve(name); ok {
		fields[0] = path
		return fields, nil
	}

	local := filepath.Join(problemRoot, name)
	if fileExists(local) {
		fields[0] = local
		return fields, nil
	}

	return nil, &checkerResolveError{problemPath: problem.Path, checker: problem.Checker}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// decodeUTF8Lossy replaces invalid UTF-8 byte sequences with the Unicode
// replacement character, matching Python's bytes.decode(errors="replace").
func decodeUTF8Lossy(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		b.WriteRune(r)
		i += size
	}
	return b.String()
}

// truncateComment caps a checker comment at maxLen runes, replacing the
// tail with a 3-character ellipsis when it doesn't fit.
func truncateComment(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen < 3 {
		maxLen = 3
	}
	return string(runes[:maxLen-3]) + "..."
}

// cleanDir removes every entry (file, symlink, or subdirectory) directly
// inside dir, leaving dir itself in place.
func cleanDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

// reclassifyIL promotes a TL verdict to IL when the program stayed under
// its CPU budget but still ran past the wall-clock time limit — the
// sandbox killed it for idling (e.g. blocked on stdin), not for spending
// too much CPU. cpuTimeMS and realTimeMS are already scaled back by
// time_multiplier; timeLimitMS is the problem's unscaled configured limit.
func reclassifyIL(verdict Verdict, cpuTimeMS, realTimeMS, timeLimitMS int64) Verdict {
	if verdict == VerdictTL && cpuTimeMS < timeLimitMS && realTimeMS >= timeLimitMS {
		return VerdictIL
	}
	return verdict
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
