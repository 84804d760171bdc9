package office

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/toricodesthings/mail-attachment-service/internal/extract"
	"github.com/toricodesthings/mail-attachment-service/internal/logging"
)

const docHeader = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`

const docFooter = `</w:body></w:document>`

func writeDocx(t *testing.T, entries map[string]string, order ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report.docx")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create docx: %v", err)
	}
	zw := zip.NewWriter(f)
	for _, name := range order {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(entries[name])); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

type fakeUploader struct {
	mu      sync.Mutex
	fail    map[string]bool
	failAll bool
	uploads []string
	dirs    []string
}

func (u *fakeUploader) UploadScratch(_ context.Context, localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	name := filepath.Base(localPath)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, name)
	u.dirs = append(u.dirs, filepath.Dir(localPath))
	if u.failAll {
		return "", &extract.ResolutionError{Op: "upload", Ref: localPath, Err: errors.New("storage down")}
	}
	for suffix := range u.fail {
		if strings.HasSuffix(name, suffix) {
			return "", &extract.ResolutionError{Op: "upload", Ref: localPath, Err: errors.New("storage down")}
		}
	}
	return "https://scratch.example/" + name, nil
}

func (u *fakeUploader) RemoteURL(context.Context, extract.Reference) (string, error) {
	return "", errors.New("not used")
}

type fakeDescriber struct{}

func (fakeDescriber) Describe(_ context.Context, url string) (string, error) {
	return "seen " + url[strings.LastIndex(url, "_")+1:], nil
}

func newJob(path string) extract.Job {
	return extract.Job{File: &extract.MaterializedFile{Path: path}, Ext: ".docx"}
}

func TestExtractParagraphsAndTables(t *testing.T) {
	doc := docHeader +
		`<w:p><w:r><w:t>Quarterly</w:t></w:r><w:r><w:t xml:space="preserve"> report</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>   </w:t></w:r></w:p>` +
		`<w:tbl><w:tr><w:tc><w:p><w:r><w:t> Region </w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Total</w:t></w:r></w:p></w:tc></w:tr>` +
		`<w:tr><w:tc><w:p><w:r><w:t>North</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>42</w:t></w:r></w:p></w:tc></w:tr></w:tbl>` +
		`<w:p><w:r><w:t>Signed</w:t></w:r></w:p>` +
		docFooter
	path := writeDocx(t, map[string]string{extract.WordManifest: doc}, extract.WordManifest)

	e := NewDOCX(Options{}, &fakeUploader{}, fakeDescriber{}, logging.Discard())
	res, err := e.Extract(context.Background(), newJob(path))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Kind != extract.KindWordDocument || res.Method != "structured" {
		t.Fatalf("kind=%s method=%s", res.Kind, res.Method)
	}
	want := "Quarterly report\nSigned\nRegion | Total\nNorth | 42"
	if res.Text != want {
		t.Fatalf("text = %q, want %q", res.Text, want)
	}
	if len(res.Tables) != 1 || len(res.Tables[0]) != 2 || res.Tables[0][0][0] != "Region" {
		t.Fatalf("tables = %#v", res.Tables)
	}
	if len(res.Images) != 0 {
		t.Fatalf("images = %#v", res.Images)
	}
}

func TestExtractDescribesEveryMediaEntryInOrder(t *testing.T) {
	scratchRoot := t.TempDir()
	doc := docHeader + `<w:p><w:r><w:t>See figures</w:t></w:r></w:p>` + docFooter
	entries := map[string]string{
		extract.WordManifest:     doc,
		"word/media/image1.png":  "png-bytes",
		"word/media/chart.jpeg":  "jpeg-bytes",
		"word/media/broken.png":  "more-bytes",
		"word/theme/theme1.xml":  "<theme/>",
	}
	path := writeDocx(t, entries, extract.WordManifest, "word/media/image1.png", "word/theme/theme1.xml", "word/media/chart.jpeg", "word/media/broken.png")

	up := &fakeUploader{fail: map[string]bool{"broken.png": true}}
	e := NewDOCX(Options{ImageWorkers: 2, ScratchRoot: scratchRoot}, up, fakeDescriber{}, logging.Discard())
	res, err := e.Extract(context.Background(), newJob(path))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if len(res.Images) != 3 {
		t.Fatalf("images = %#v", res.Images)
	}
	wantNames := []string{"image1.png", "chart.jpeg", "broken.png"}
	for i, name := range wantNames {
		if res.Images[i].Filename != name {
			t.Fatalf("image %d = %q, want %q", i, res.Images[i].Filename, name)
		}
	}
	if res.Images[0].Text != "seen image1.png" || res.Images[1].Text != "seen chart.jpeg" {
		t.Fatalf("image texts = %#v", res.Images)
	}
	if res.Images[2].Text != "" {
		t.Fatalf("failed upload should yield empty text, got %q", res.Images[2].Text)
	}
	if len(up.uploads) != 3 {
		t.Fatalf("uploads = %v", up.uploads)
	}

	left, err := os.ReadDir(scratchRoot)
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("scratch files left behind: %v", left)
	}
}

func TestExtractFallsBackToPlaintext(t *testing.T) {
	doc := docHeader + `<w:p><w:r><w:t>Recovered</w:t></w:r></w:p><w:p><w:r><w:t>text` + docFooter + `<w:oops>`
	path := writeDocx(t, map[string]string{extract.WordManifest: doc}, extract.WordManifest)

	res, err := NewDOCX(Options{}, nil, nil, logging.Discard()).Extract(context.Background(), newJob(path))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Method != "plaintext" {
		t.Fatalf("method = %q", res.Method)
	}
	if !strings.HasPrefix(res.Text, "Recovered") {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestExtractEmptyDocumentIsNotAnError(t *testing.T) {
	path := writeDocx(t, map[string]string{extract.WordManifest: docHeader + docFooter}, extract.WordManifest)

	res, err := NewDOCX(Options{}, nil, nil, logging.Discard()).Extract(context.Background(), newJob(path))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Text != "" || res.Status != extract.StatusSuccess {
		t.Fatalf("res = %#v", res)
	}
}

func TestExtractMissingManifestFails(t *testing.T) {
	path := writeDocx(t, map[string]string{"word/styles.xml": "<styles/>"}, "word/styles.xml")

	res, err := NewDOCX(Options{}, nil, nil, logging.Discard()).Extract(context.Background(), newJob(path))
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.Kind != extract.KindError || res.Error == nil {
		t.Fatalf("res = %#v", res)
	}
}

func TestExtractMediaWithoutAnalyzerIsAConfigurationError(t *testing.T) {
	entries := map[string]string{
		extract.WordManifest:    docHeader + docFooter,
		"word/media/image1.png": "png",
	}
	path := writeDocx(t, entries, extract.WordManifest, "word/media/image1.png")

	res, err := NewDOCX(Options{ScratchRoot: t.TempDir()}, nil, nil, logging.Discard()).Extract(context.Background(), newJob(path))
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if res.Status != extract.StatusError {
		t.Fatalf("res = %#v", res)
	}
}

func mediaDocx(t *testing.T) string {
	t.Helper()
	entries := map[string]string{
		extract.WordManifest:    docHeader + `<w:p><w:r><w:t>Photos attached</w:t></w:r></w:p>` + docFooter,
		"word/media/image1.png": "png-1",
		"word/media/image2.png": "png-2",
	}
	return writeDocx(t, entries, extract.WordManifest, "word/media/image1.png", "word/media/image2.png")
}

func assertScratchUsedAndRemoved(t *testing.T, scratchRoot string, up *fakeUploader) {
	t.Helper()
	if len(up.dirs) == 0 {
		t.Fatalf("no media reached the uploader")
	}
	for _, dir := range up.dirs {
		if filepath.Dir(dir) != scratchRoot {
			t.Fatalf("media staged in %s, outside %s", dir, scratchRoot)
		}
	}
	left, err := os.ReadDir(scratchRoot)
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("scratch files left behind: %v", left)
	}
}

func TestExtractRemovesScratchWhenEveryUploadFails(t *testing.T) {
	scratchRoot := t.TempDir()
	up := &fakeUploader{failAll: true}

	res, err := NewDOCX(Options{ImageWorkers: 2, ScratchRoot: scratchRoot}, up, fakeDescriber{}, logging.Discard()).
		Extract(context.Background(), newJob(mediaDocx(t)))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Text != "Photos attached" || len(res.Images) != 2 || res.Images[0].Text != "" || res.Images[1].Text != "" {
		t.Fatalf("res = %#v", res)
	}
	assertScratchUsedAndRemoved(t, scratchRoot, up)
}

type cancellingDescriber struct{ cancel context.CancelFunc }

func (d cancellingDescriber) Describe(ctx context.Context, _ string) (string, error) {
	d.cancel()
	<-ctx.Done()
	return "", ctx.Err()
}

func TestExtractRemovesScratchWhenCancelledDuringAnalysis(t *testing.T) {
	scratchRoot := t.TempDir()
	up := &fakeUploader{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := NewDOCX(Options{ScratchRoot: scratchRoot}, up, cancellingDescriber{cancel: cancel}, logging.Discard()).
		Extract(ctx, newJob(mediaDocx(t)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Status != extract.StatusError {
		t.Fatalf("res = %#v", res)
	}
	assertScratchUsedAndRemoved(t, scratchRoot, up)
}

func TestExtractFailsWhenNeitherStrategyReadsTheDocument(t *testing.T) {
	path := writeDocx(t, map[string]string{extract.WordManifest: "\x00\x01 this is not markup"}, extract.WordManifest)

	res, err := NewDOCX(Options{}, nil, nil, logging.Discard()).Extract(context.Background(), newJob(path))
	if err == nil {
		t.Fatalf("expected parse error, got %#v", res)
	}
	if res.Status != extract.StatusError || res.Error == nil || !strings.Contains(*res.Error, "plaintext parse") {
		t.Fatalf("res = %#v", res)
	}
}
