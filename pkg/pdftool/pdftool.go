// Package pdftool extracts text, embedded images, and rendered page images
// from PDFs by invoking the poppler utilities (pdftotext, pdfimages,
// pdftoppm). Commands run behind an injectable Runner so the package is
// testable without poppler installed. No network access.
package pdftool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Runner executes an external command and returns stdout and stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	return []byte(out.String()), []byte(errb.String()), err
}

// Config names the poppler binaries and rendering knobs.
type Config struct {
	Pdftotext string
	Pdfimages string
	Pdftoppm  string
	DPI       int
	MaxPages  int
}

// DefaultConfig assumes poppler on PATH, 150 DPI, 20 page cap.
var DefaultConfig = Config{
	Pdftotext: "pdftotext",
	Pdfimages: "pdfimages",
	Pdftoppm:  "pdftoppm",
	DPI:       150,
	MaxPages:  20,
}

// Tool wraps the poppler utilities for one configuration.
type Tool struct {
	cfg    Config
	runner Runner
}

// New creates a Tool. A nil runner gets ExecRunner; zero config fields get
// defaults.
func New(cfg Config, runner Runner) *Tool {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = DefaultConfig.Pdftotext
	}
	if cfg.Pdfimages == "" {
		cfg.Pdfimages = DefaultConfig.Pdfimages
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = DefaultConfig.Pdftoppm
	}
	if cfg.DPI <= 0 {
		cfg.DPI = DefaultConfig.DPI
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultConfig.MaxPages
	}
	return &Tool{cfg: cfg, runner: runner}
}

// WriteTemp writes PDF bytes to a temp file and returns its path plus a
// cleanup func. Callers must invoke cleanup.
func WriteTemp(content []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "lotvision-*.pdf")
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// Text extracts layout-preserving text. A form-feed separates pages.
func (t *Tool) Text(ctx context.Context, path string) (string, int, error) {
	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := t.runner.Run(ctx, t.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", 0, fmt.Errorf("pdftool: pdftotext: %w (%s)", err, strings.TrimSpace(string(errb)))
	}
	text := string(out)
	pages := 1 + strings.Count(text, "\f")
	return text, pages, nil
}

// Image is an embedded raster image extracted from the document.
type Image struct {
	Data  []byte
	Page  int
	Index int
}

// pdfimages names output files <prefix>-PPP-NNN.png.
var imageNameRe = regexp.MustCompile(`-(\d+)-(\d+)\.png$`)

// ExtractImages pulls embedded raster images with their page numbers.
func (t *Tool) ExtractImages(ctx context.Context, path string) ([]Image, error) {
	tmpDir, err := os.MkdirTemp("", "lv-img-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "img")
	// pdfimages -png -p <in.pdf> <tmp/img>
	_, errb, err := t.runner.Run(ctx, t.cfg.Pdfimages, "-png", "-p", path, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftool: pdfimages: %w (%s)", err, strings.TrimSpace(string(errb)))
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)

	images := make([]Image, 0, len(matches))
	for i, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		page := 0
		if sub := imageNameRe.FindStringSubmatch(m); sub != nil {
			page, _ = strconv.Atoi(sub[1])
		}
		images = append(images, Image{Data: data, Page: page, Index: i})
	}
	return images, nil
}

// RenderPages rasterizes pages to PNG for the vision model, capped at
// MaxPages.
func (t *Tool) RenderPages(ctx context.Context, path string) ([][]byte, error) {
	tmpDir, err := os.MkdirTemp("", "lv-page-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r <dpi> -png <in.pdf> <tmp/page>
	_, errb, err := t.runner.Run(ctx, t.cfg.Pdftoppm, "-r", strconv.Itoa(t.cfg.DPI), "-png", path, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftool: pdftoppm: %w (%s)", err, strings.TrimSpace(string(errb)))
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, fmt.Errorf("pdftool: no pages rendered")
	}
	if len(matches) > t.cfg.MaxPages {
		matches = matches[:t.cfg.MaxPages]
	}

	pages := make([][]byte, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, err
		}
		pages = append(pages, data)
	}
	return pages, nil
}
