package mail

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toricodesthings/mail-attachment-service/internal/extract"
	"github.com/toricodesthings/mail-attachment-service/internal/logging"
)

type fakeProcessor struct {
	mu    sync.Mutex
	seen  []string
	delay map[string]time.Duration
}

func (f *fakeProcessor) Process(ctx context.Context, ref extract.Reference) (extract.Result, error) {
	f.mu.Lock()
	f.seen = append(f.seen, ref.String())
	f.mu.Unlock()

	if d := f.delay[ref.Name()]; d > 0 {
		time.Sleep(d)
	}
	if strings.Contains(ref.Name(), "missing") {
		err := &extract.ResolutionError{Op: "download", Ref: ref.String(), Err: errors.New("404")}
		msg := err.Error()
		return extract.Normalize(extract.Result{URI: ref.String(), Error: &msg}), err
	}
	if ref.Kind() == extract.RefLocalPath {
		if _, err := os.Stat(ref.Path()); err != nil {
			return extract.Result{}, err
		}
	}
	return extract.Normalize(extract.Result{
		URI:    ref.String(),
		Kind:   extract.KindPDFDigital,
		Status: extract.StatusSuccess,
		Text:   "text of " + ref.Name(),
	}), nil
}

type fakeSummarizer struct {
	calls  int
	inputs []string
}

func (s *fakeSummarizer) AnalyzeText(_ context.Context, text string) string {
	s.calls++
	s.inputs = append(s.inputs, text)
	return "summary"
}

type fakeFiles struct{ path string }

func (f fakeFiles) Materialize(context.Context, extract.Reference) (*extract.MaterializedFile, error) {
	if f.path == "" {
		return nil, &extract.ResolutionError{Op: "download", Ref: "blob", Err: errors.New("gone")}
	}
	return &extract.MaterializedFile{Path: f.path}, nil
}

type outcomes struct{ got []string }

func (o *outcomes) ObserveEmail(outcome string) { o.got = append(o.got, outcome) }

func TestProcessEmailRequiresSenderAndBlob(t *testing.T) {
	cases := []Request{
		{Sender: "a@example.com", Subject: "s", BodyText: "hi"},
		{Subject: "s", EmailBlobURI: "/emails/m.eml", BodyText: "hi"},
		{Sender: "  ", EmailBlobURI: "/emails/m.eml"},
		{Sender: "a@example.com", EmailBlobURI: "   "},
	}
	for _, req := range cases {
		obs := &outcomes{}
		p := NewPipeline(&fakeProcessor{}, nil, &fakeSummarizer{}, obs, Options{}, logging.Discard())

		_, err := p.ProcessEmail(context.Background(), req)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%+v: expected ErrInvalidRequest, got %v", req, err)
		}
		if len(obs.got) != 1 || obs.got[0] != "invalid" {
			t.Fatalf("outcomes = %v", obs.got)
		}
	}
}

func TestProcessEmailAcceptsMissingSubject(t *testing.T) {
	sum := &fakeSummarizer{}
	p := NewPipeline(&fakeProcessor{}, nil, sum, nil, Options{}, logging.Discard())

	resp, err := p.ProcessEmail(context.Background(), Request{
		Sender:       "a@example.com",
		EmailBlobURI: "/emails/m.eml",
		BodyText:     "hi",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Subject != "" || resp.Summary != "summary" || sum.calls != 1 {
		t.Fatalf("resp = %#v calls=%d", resp, sum.calls)
	}
}

func TestProcessEmailRejectsHostFileAttachments(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "secret.pdf")
	if err := os.WriteFile(secret, []byte("%PDF-1.4"), 0o600); err != nil {
		t.Fatal(err)
	}
	proc := &fakeProcessor{}
	p := NewPipeline(proc, nil, &fakeSummarizer{}, nil, Options{Workers: 2, DefaultContainer: "emailattachments"}, logging.Discard())

	resp, err := p.ProcessEmail(context.Background(), Request{
		Sender:         "a@example.com",
		EmailBlobURI:   "/emails/m.eml",
		BodyText:       "see attached",
		AttachmentURIs: []string{"file://" + secret, secret[1:]},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	for _, rec := range resp.Attachments {
		if rec.Status != extract.StatusError || rec.Error == nil || strings.Contains(rec.Text, "text of") {
			t.Fatalf("host file reference should be an error record: %#v", rec)
		}
	}
	if len(proc.seen) != 0 {
		t.Fatalf("processor ran for %v", proc.seen)
	}
}

func TestProcessEmailKeepsAttachmentOrder(t *testing.T) {
	proc := &fakeProcessor{delay: map[string]time.Duration{"a.pdf": 30 * time.Millisecond}}
	sum := &fakeSummarizer{}
	obs := &outcomes{}
	p := NewPipeline(proc, nil, sum, obs, Options{Workers: 3, DefaultContainer: "emailattachments"}, logging.Discard())

	resp, err := p.ProcessEmail(context.Background(), Request{
		Sender:         "claims@example.com",
		Subject:        "Claim 42",
		EmailBlobURI:   "/emails/claim42.eml",
		BodyText:       "Please see attached.",
		AttachmentURIs: []string{"/emailattachments/a.pdf", "/missing.pdf", "", "/emailattachments/c.pdf"},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(resp.Attachments) != 4 {
		t.Fatalf("attachments = %d", len(resp.Attachments))
	}
	if resp.Attachments[0].URI != "/emailattachments/a.pdf" || resp.Attachments[3].URI != "/emailattachments/c.pdf" {
		t.Fatalf("order not preserved: %q, %q", resp.Attachments[0].URI, resp.Attachments[3].URI)
	}
	if resp.Attachments[1].Status != extract.StatusError || resp.Attachments[1].URI != "/emailattachments/missing.pdf" {
		t.Fatalf("resolution failure record = %#v", resp.Attachments[1])
	}
	if resp.Attachments[2].Status != extract.StatusError || resp.Attachments[2].Error == nil {
		t.Fatalf("invalid reference record = %#v", resp.Attachments[2])
	}
	if resp.Summary != "summary" || sum.calls != 1 {
		t.Fatalf("summary=%q calls=%d", resp.Summary, sum.calls)
	}

	var input summaryInput
	if err := json.Unmarshal([]byte(sum.inputs[0]), &input); err != nil {
		t.Fatalf("summary input is not JSON: %v", err)
	}
	if input.Sender != "claims@example.com" || input.Body != "Please see attached." || len(input.Attachments) != 4 {
		t.Fatalf("summary input = %#v", input)
	}
	if !strings.Contains(sum.inputs[0], "\n  \"subject\"") {
		t.Fatalf("summary input should be indented: %s", sum.inputs[0])
	}
	if len(obs.got) != 1 || obs.got[0] != "ok" {
		t.Fatalf("outcomes = %v", obs.got)
	}
}

func TestProcessEmailNormalizesHTMLBody(t *testing.T) {
	sum := &fakeSummarizer{}
	p := NewPipeline(&fakeProcessor{}, nil, sum, nil, Options{}, logging.Discard())

	_, err := p.ProcessEmail(context.Background(), Request{
		Sender:       "a@example.com",
		Subject:      "s",
		EmailBlobURI: "/emails/m.eml",
		BodyText:     "<p>Hello <b>team</b></p><script>alert(1)</script>",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	var input summaryInput
	if err := json.Unmarshal([]byte(sum.inputs[0]), &input); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(input.Body, "Hello **team**") {
		t.Fatalf("body = %q", input.Body)
	}
	if strings.Contains(input.Body, "alert") {
		t.Fatalf("script survived sanitizing: %q", input.Body)
	}
}

const rawEmail = "From: Claims <claims@example.com>\r\n" +
	"To: intake@example.com\r\n" +
	"Subject: Claim 42\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"XYZ\"\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Body from the stored message.\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"invoice.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQKJSVFT0YK\r\n" +
	"--XYZ--\r\n"

func TestProcessEmailReadsBlobWhenBodyIsEmpty(t *testing.T) {
	emlPath := filepath.Join(t.TempDir(), "message.eml")
	if err := os.WriteFile(emlPath, []byte(rawEmail), 0o600); err != nil {
		t.Fatalf("write eml: %v", err)
	}

	proc := &fakeProcessor{}
	sum := &fakeSummarizer{}
	p := NewPipeline(proc, fakeFiles{path: emlPath}, sum, nil, Options{Workers: 2}, logging.Discard())

	resp, err := p.ProcessEmail(context.Background(), Request{
		Sender:       "claims@example.com",
		Subject:      "Claim 42",
		EmailBlobURI: "/emails/message.eml",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	var input summaryInput
	if err := json.Unmarshal([]byte(sum.inputs[0]), &input); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if input.Body != "Body from the stored message." {
		t.Fatalf("body = %q", input.Body)
	}

	if len(resp.Attachments) != 1 {
		t.Fatalf("attachments = %#v", resp.Attachments)
	}
	got := resp.Attachments[0]
	if got.URI != "invoice.pdf" || got.Status != extract.StatusSuccess {
		t.Fatalf("embedded record = %#v", got)
	}

	if len(proc.seen) != 1 {
		t.Fatalf("seen = %v", proc.seen)
	}
	if _, err := os.Stat(proc.seen[0]); !os.IsNotExist(err) {
		t.Fatalf("embedded temp file should be removed, stat err = %v", err)
	}
}

func TestProcessEmailBlobFailureStillSummarizes(t *testing.T) {
	sum := &fakeSummarizer{}
	p := NewPipeline(&fakeProcessor{}, fakeFiles{}, sum, nil, Options{}, logging.Discard())

	resp, err := p.ProcessEmail(context.Background(), Request{
		Sender:       "a@example.com",
		Subject:      "s",
		EmailBlobURI: "/emails/gone.eml",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if resp.Summary != "summary" || len(resp.Attachments) != 0 {
		t.Fatalf("resp = %#v", resp)
	}
}

func TestNormalizeBodyPlainText(t *testing.T) {
	b := newBodyNormalizer()
	got := b.Normalize("line one\r\n\r\n\r\n\r\nline two  ")
	if got != "line one\n\nline two" {
		t.Fatalf("got %q", got)
	}
}

func TestHTMLTextFallback(t *testing.T) {
	got := htmlText("<html><head><title>x</title></head><body><h1>Title</h1><p>First</p><ul><li>item</li></ul></body></html>")
	want := "# Title\n\nFirst\n\nitem"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
