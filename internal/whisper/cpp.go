package whisper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/medialoader/internal/platform"
	"github.com/fmueller/medialoader/internal/transcript"
)

const stderrTailLines = 20

var progressLine = regexp.MustCompile(`progress\s*=\s*(\d{1,3})%`)

// CPPEngine runs the whisper.cpp command line tool as a subprocess.
type CPPEngine struct {
	Executable string
	Logger     *zap.Logger
}

// NewCPPEngine locates whisper-cli: an explicit path wins, then $PATH, then
// the locations next to the running binary used by release archives.
func NewCPPEngine(explicitPath string, logger *zap.Logger) (*CPPEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if explicitPath = strings.TrimSpace(explicitPath); explicitPath != "" {
		if err := ensureExecutable(explicitPath); err != nil {
			return nil, fmt.Errorf("WHISPER_PATH is not executable: %w", err)
		}
		return &CPPEngine{Executable: explicitPath, Logger: logger}, nil
	}

	if found, err := exec.LookPath(engineBinaryName()); err == nil {
		return &CPPEngine{Executable: found, Logger: logger}, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve medialoader executable path: %w", err)
	}
	found, err := ResolveBundledEnginePath(self)
	if err != nil {
		return nil, err
	}
	return &CPPEngine{Executable: found, Logger: logger}, nil
}

func ResolveBundledEnginePath(selfExecutable string) (string, error) {
	for _, candidate := range EnginePathCandidates(selfExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s not found in PATH or near %s; install whisper.cpp or set WHISPER_PATH", engineBinaryName(), selfExecutable)
}

func EnginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	name := engineBinaryName()
	rt := platform.CurrentRuntime()

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", name),
		filepath.Join(binDir, "libexec", "whisper", name),
		filepath.Join(binDir, "packaging", "whisper", rt.OS+"_"+rt.Arch, name),
		filepath.Join(binDir, name),
	}
}

func (e *CPPEngine) Name() string { return "whisper-cpp" }

func (e *CPPEngine) NeedsModel() bool { return true }

func (e *CPPEngine) Transcribe(ctx context.Context, req Request) (transcript.Transcript, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return transcript.Transcript{}, errors.New("audio path is required")
	}
	if strings.TrimSpace(req.ModelPath) == "" {
		return transcript.Transcript{}, errors.New("model path is required")
	}
	if err := ensureExecutable(e.Executable); err != nil {
		return transcript.Transcript{}, fmt.Errorf("whisper engine missing or not executable: %w", err)
	}

	outBase := filepath.Join(filepath.Dir(req.AudioPath), fmt.Sprintf("whisper-%d", time.Now().UnixNano()))
	jsonOut := outBase + ".json"
	defer os.Remove(jsonOut)

	args := e.args(req, outBase)
	cmd := exec.CommandContext(ctx, e.Executable, args...)
	cmd.Stdout = io.Discard
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return transcript.Transcript{}, fmt.Errorf("attach whisper stderr: %w", err)
	}

	e.Logger.Debug("running whisper engine", zap.String("engine", e.Executable), zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		return transcript.Transcript{}, fmt.Errorf("start whisper engine: %w", err)
	}
	tail := scanStderr(stderr, req.Progress)
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return transcript.Transcript{}, ctx.Err()
		}
		return transcript.Transcript{}, diagnose(e.Executable, err, strings.Join(tail, "\n"))
	}

	data, err := os.ReadFile(jsonOut)
	if err != nil {
		return transcript.Transcript{}, fmt.Errorf("read whisper output: %w", err)
	}
	tr, err := parseCLIOutput(data, req.Language)
	if err != nil {
		return transcript.Transcript{}, err
	}
	reportProgress(req.Progress, 1)
	return tr, nil
}

func (e *CPPEngine) args(req Request, outBase string) []string {
	beam := req.BeamSize
	if beam <= 0 {
		beam = DefaultBeamSize
	}
	args := []string{
		"-m", req.ModelPath,
		"-f", req.AudioPath,
		"-oj", "-of", outBase,
		"-bs", strconv.Itoa(beam),
		"-pp",
	}
	if lang := languageArg(req.Language); lang != "" {
		args = append(args, "-l", lang)
	}
	if req.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(req.Threads))
	}
	return args
}

// scanStderr forwards progress percentages and keeps the last lines for
// error reporting.
func scanStderr(r io.Reader, progress func(float64)) []string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	tail := make([]string, 0, stderrTailLines)
	for scanner.Scan() {
		line := scanner.Text()
		if m := progressLine.FindStringSubmatch(line); m != nil {
			if pct, err := strconv.Atoi(m[1]); err == nil {
				reportProgress(progress, float64(min(pct, 100))/100)
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(tail) == stderrTailLines {
			tail = tail[1:]
		}
		tail = append(tail, line)
	}
	_, _ = io.Copy(io.Discard, r)
	return tail
}

type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseCLIOutput(data []byte, requestedLanguage string) (transcript.Transcript, error) {
	var out cliOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return transcript.Transcript{}, fmt.Errorf("decode whisper output: %w", err)
	}

	segments := make([]transcript.Segment, 0, len(out.Transcription))
	for _, item := range out.Transcription {
		segments = append(segments, transcript.Segment{
			Start: float64(item.Offsets.From) / 1000,
			End:   float64(item.Offsets.To) / 1000,
			Text:  item.Text,
		})
	}

	language := out.Result.Language
	if language == "" {
		language = requestedLanguage
	}
	return transcript.New(segments, language), nil
}

func diagnose(executable string, runErr error, stderr string) error {
	switch {
	case isMissingSharedLibraryError(stderr):
		return fmt.Errorf("whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF or install the libraries", executable, stderr)
	case isIllegalInstructionError(stderr) || isIllegalInstructionError(runErr.Error()):
		return errors.New("whisper engine crashed with an illegal CPU instruction; " +
			"the CPU may lack instruction set extensions the binary was built for; " +
			"set WHISPER_PATH to a whisper-cli built for this host")
	}
	return fmt.Errorf("whisper transcribe failed: %w (%s)", runErr, stderr)
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}
	for _, pattern := range []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	} {
		if strings.Contains(value, pattern) {
			return true
		}
	}
	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
