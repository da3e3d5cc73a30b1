package enrich

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ajslaghu/open-agenda-api/internal/extract"
)

// CommandRunner executes an external program and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args, killing it when ctx ends.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("run %s: %w", name, err)
	}
	return out, nil
}

// OCRConfig configures the docsplit based text extraction task.
type OCRConfig struct {
	// Binary is the docsplit executable.
	Binary string
	// Language is the OCR language hint passed with -l.
	Language string
	// Timeout bounds a single docsplit invocation.
	Timeout time.Duration
	// TempDir is the parent for per-invocation scratch directories.
	TempDir string
	Runner  CommandRunner
}

var ocrExtensions = map[string]string{
	"application/pdf":    ".pdf",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.oasis.opendocument.text":                                 ".odt",
	"application/rtf": ".rtf",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/tiff":      ".tif",
}

// ErrNoTextArtifact is wrapped when docsplit leaves no text file behind.
var ErrNoTextArtifact = errors.New("ocr produced no text artifact")

// OCRTextTask extracts text with docsplit. It is offered every object and
// declines types docsplit cannot read. The text artifact decides success:
// when it exists the exit status is ignored, when it is missing the task fails.
func OCRTextTask(cfg OCRConfig) Task {
	if cfg.Binary == "" {
		cfg.Binary = "docsplit"
	}
	if cfg.Language == "" {
		cfg.Language = "nld"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	return Task{
		Name:         TaskOCRText,
		ContentTypes: AnyContentType(),
		Transform: func(ctx context.Context, obj extract.RawObject, rec *Record) (Outcome, error) {
			ext, ok := ocrExtensions[obj.ContentType]
			if !ok {
				return Declined, nil
			}
			text, err := runDocsplit(ctx, cfg, ext, obj.Payload)
			if err != nil {
				return Declined, err
			}
			rec.Set("text", text)
			return Applied, nil
		},
	}
}

func runDocsplit(ctx context.Context, cfg OCRConfig, ext string, payload []byte) (string, error) {
	dir, err := os.MkdirTemp(cfg.TempDir, "ocr-*")
	if err != nil {
		return "", fmt.Errorf("create ocr workdir: %w", err)
	}
	defer os.RemoveAll(dir) //nolint:errcheck // best-effort cleanup

	input := filepath.Join(dir, "object"+ext)
	if err := os.WriteFile(input, payload, 0o600); err != nil {
		return "", fmt.Errorf("write ocr input: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	out, runErr := cfg.Runner.Run(runCtx, cfg.Binary, "text", "-l", cfg.Language, input, "-o", dir)

	artifact := strings.TrimSuffix(input, ext) + ".txt"
	data, err := os.ReadFile(artifact)
	if err == nil {
		return string(data), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read ocr artifact: %w", err)
	}
	detail := strings.TrimSpace(string(out))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return "", fmt.Errorf("%w (run error: %v, output: %q)", ErrNoTextArtifact, runErr, detail)
}
