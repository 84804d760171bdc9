package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	PDFToTextTimeout time.Duration
	PDFToPPMTimeout  time.Duration
	RasterDPI        int
}

func (c Config) withDefaults() Config {
	out := c
	if out.PDFToTextTimeout <= 0 {
		out.PDFToTextTimeout = 10 * time.Second
	}
	if out.PDFToPPMTimeout <= 0 {
		out.PDFToPPMTimeout = 30 * time.Second
	}
	if out.RasterDPI <= 0 {
		out.RasterDPI = 150
	}
	return out
}

// TextForPage extracts text for one page using pdftotext.
// Output is capped to 10 MiB to avoid OOM.
func TextForPage(ctx context.Context, pdfPath string, page int, cfg Config) (string, error) {
	cfg = cfg.withDefaults()

	if page < 1 {
		return "", fmt.Errorf("invalid page number: %d (must be >= 1)", page)
	}

	const maxPerPageBytes = 10<<20 + 1

	ctx, cancel := context.WithTimeout(ctx, cfg.PDFToTextTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx,
		"pdftotext",
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-layout",
		"-nopgbrk",
		"-enc", "UTF-8",
		pdfPath,
		"-",
	)

	text, stderrStr, err := runCommandCaptureLimited(cmd, maxPerPageBytes)
	if err != nil {
		return "", classifyPopplerErr("pdftotext", err, ctx, stderrStr, page)
	}
	return text, nil
}

// RasterizePage renders one page to a PNG inside outDir and returns its path.
func RasterizePage(ctx context.Context, pdfPath string, page int, outDir string, cfg Config) (string, error) {
	cfg = cfg.withDefaults()

	if page < 1 {
		return "", fmt.Errorf("invalid page number: %d (must be >= 1)", page)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.PDFToPPMTimeout)
	defer cancel()

	prefix := filepath.Join(outDir, fmt.Sprintf("page-%04d", page))
	cmd := exec.CommandContext(ctx,
		"pdftoppm",
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-png",
		"-r", strconv.Itoa(cfg.RasterDPI),
		"-singlefile",
		pdfPath,
		prefix,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", classifyPopplerErr("pdftoppm", err, ctx, stderr.String(), page)
	}

	out := prefix + ".png"
	if st, err := os.Stat(out); err != nil || st.Size() == 0 {
		return "", fmt.Errorf("pdftoppm produced no image for page %d", page)
	}
	return out, nil
}

// runCommandCaptureLimited runs cmd and captures stdout up to maxBytes (inclusive of sentinel).
// It captures stderr fully (usually small) for error reporting.
func runCommandCaptureLimited(cmd *exec.Cmd, maxBytes int64) (stdoutText string, stderrText string, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", fmt.Errorf("stdout pipe: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("start: %w", err)
	}

	lr := io.LimitReader(stdoutPipe, maxBytes)
	outBytes, readErr := io.ReadAll(lr)
	if int64(len(outBytes)) >= maxBytes {
		_ = cmd.Process.Kill()
	}

	waitErr := cmd.Wait()
	stderrStr := strings.TrimSpace(stderr.String())

	if readErr != nil {
		return "", stderrStr, fmt.Errorf("read stdout: %w", readErr)
	}
	if int64(len(outBytes)) >= maxBytes {
		return "", stderrStr, errOutputLimit
	}
	if waitErr != nil {
		return "", stderrStr, waitErr
	}

	return string(outBytes), stderrStr, nil
}

var errOutputLimit = errors.New("output exceeds limit")

// isHelpOrUsageOutput returns true when stderr looks like a poppler
// usage / help dump rather than an actual processing error.
func isHelpOrUsageOutput(stderr string) bool {
	return strings.Contains(stderr, "version ") && strings.Contains(stderr, "Usage:")
}

func classifyPopplerErr(tool string, err error, ctx context.Context, stderr string, page int) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s timeout on page %d", tool, page)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s canceled", tool)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%s not installed", tool)
	}
	if errors.Is(err, errOutputLimit) {
		return fmt.Errorf("extracted text too large on page %d", page)
	}

	stderr = strings.TrimSpace(stderr)
	if stderr != "" {
		if isHelpOrUsageOutput(stderr) {
			return fmt.Errorf("%s page %d failed (bad invocation)", tool, page)
		}
		if containsAny(stderr, "Incorrect password", "Command Line Error: Incorrect password") {
			return ErrPasswordProtected
		}
		if containsAny(stderr, "PDF file is damaged", "Syntax Error", "Couldn't find trailer dictionary", "May not be a PDF file") {
			return ErrDamaged
		}
		return fmt.Errorf("%s page %d failed: %s", tool, page, truncate(stderr, 300))
	}
	return fmt.Errorf("%s page %d failed: %w", tool, page, err)
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
