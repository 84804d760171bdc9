package extract

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toricodesthings/mail-attachment-service/internal/logging"
)

type memStore struct {
	mu      sync.Mutex
	base    string
	blobs   map[string][]byte
	failing bool
}

func (m *memStore) Upload(_ context.Context, container, blob string, r io.Reader) error {
	if m.failing {
		return errors.New("storage unavailable")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blobs == nil {
		m.blobs = map[string][]byte{}
	}
	m.blobs[container+"/"+blob] = b
	return nil
}

func (m *memStore) SignedURL(_ context.Context, container, blob string) (string, error) {
	if m.failing {
		return "", errors.New("storage unavailable")
	}
	return m.base + "/" + container + "/" + blob + "?sig=test", nil
}

func newBlobServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sig") != "test" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/gone.pdf") {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMaterializeStoragePathDownloadsSignedBlob(t *testing.T) {
	srv := newBlobServer(t, "%PDF-1.4\n%%EOF\n")
	store := &memStore{base: srv.URL}
	r := NewResolver(store, NewDownloader(1<<20, 5*time.Second, true), "tems", logging.Discard())

	mf, err := r.Materialize(context.Background(), StoragePath("emailattachments", "claim.pdf"))
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if mf.Name != "claim.pdf" || mf.Ext != ".pdf" || mf.MIMEType != "application/pdf" || !mf.Owned() {
		t.Fatalf("file = %#v", mf)
	}
	if err := mf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(mf.Path); !os.IsNotExist(err) {
		t.Fatalf("temp file should be removed, stat err = %v", err)
	}
	if err := mf.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMaterializeRemoteURLTwiceGivesIndependentFiles(t *testing.T) {
	srv := newBlobServer(t, "%PDF-1.4\n%%EOF\n")
	r := NewResolver(nil, NewDownloader(1<<20, 5*time.Second, true), "tems", logging.Discard())
	ref := RemoteURL(srv.URL + "/emailattachments/claim.pdf?sig=test")

	first, err := r.Materialize(context.Background(), ref)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := r.Materialize(context.Background(), ref)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	defer second.Close()

	if first.Path == second.Path {
		t.Fatalf("both resolutions share %s", first.Path)
	}
	a, _ := os.ReadFile(first.Path)
	b, _ := os.ReadFile(second.Path)
	if !bytes.Equal(a, b) || len(a) == 0 {
		t.Fatalf("contents differ: %q vs %q", a, b)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(second.Path); err != nil {
		t.Fatalf("closing one file removed the other: %v", err)
	}
}

func TestMaterializeFailuresAreResolutionErrors(t *testing.T) {
	srv := newBlobServer(t, "data")
	ok := NewResolver(&memStore{base: srv.URL}, NewDownloader(1<<20, 5*time.Second, true), "tems", logging.Discard())
	noStore := NewResolver(nil, nil, "tems", logging.Discard())
	strict := NewResolver(&memStore{base: srv.URL}, NewDownloader(1<<20, 5*time.Second, false), "tems", logging.Discard())
	tiny := NewResolver(&memStore{base: srv.URL}, NewDownloader(2, 5*time.Second, true), "tems", logging.Discard())

	cases := map[string]struct {
		r   *Resolver
		ref Reference
	}{
		"not found":      {ok, StoragePath("c", "gone.pdf")},
		"no store":       {noStore, StoragePath("c", "a.pdf")},
		"private host":   {strict, StoragePath("c", "a.pdf")},
		"too large":      {tiny, StoragePath("c", "a.pdf")},
		"missing local":  {ok, LocalPath(filepath.Join(t.TempDir(), "absent.pdf"))},
		"local dir":      {ok, LocalPath(t.TempDir())},
		"zero reference": {ok, Reference{}},
	}
	for name, tc := range cases {
		_, err := tc.r.Materialize(context.Background(), tc.ref)
		var rerr *ResolutionError
		if !errors.As(err, &rerr) {
			t.Errorf("%s: expected ResolutionError, got %v", name, err)
		}
	}
}

func TestMaterializeLocalPathIsNotOwned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.png")
	if err := os.WriteFile(path, []byte("\x89PNG\r\n\x1a\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(nil, nil, "tems", logging.Discard())

	mf, err := r.Materialize(context.Background(), LocalPath(path))
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if mf.Owned() {
		t.Fatalf("caller-supplied file must not be owned")
	}
	_ = mf.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("caller file removed: %v", err)
	}
}

func TestRemoteURL(t *testing.T) {
	store := &memStore{base: "https://acct.blob.core.windows.net"}
	r := NewResolver(store, nil, "tems", logging.Discard())
	ctx := context.Background()

	direct, err := r.RemoteURL(ctx, RemoteURL("https://cdn.example.com/a.png"))
	if err != nil || direct != "https://cdn.example.com/a.png" {
		t.Fatalf("remote url passthrough = %q, %v", direct, err)
	}

	signed, err := r.RemoteURL(ctx, StoragePath("emailattachments", "a.png"))
	if err != nil || signed != "https://acct.blob.core.windows.net/emailattachments/a.png?sig=test" {
		t.Fatalf("signed = %q, %v", signed, err)
	}

	local := filepath.Join(t.TempDir(), "page-0001.png")
	if err := os.WriteFile(local, []byte("png"), 0o600); err != nil {
		t.Fatal(err)
	}
	uploaded, err := r.RemoteURL(ctx, LocalPath(local))
	if err != nil {
		t.Fatalf("local upload: %v", err)
	}
	if !strings.HasPrefix(uploaded, "https://acct.blob.core.windows.net/tems/") || !strings.Contains(uploaded, "_page-0001.png?sig=test") {
		t.Fatalf("uploaded url = %q", uploaded)
	}

	mem, err := r.RemoteURL(ctx, InMemoryImage(image.NewGray(image.Rect(0, 0, 2, 2)), "render"))
	if err != nil {
		t.Fatalf("in-memory upload: %v", err)
	}
	if !strings.HasSuffix(mem, "_render.png?sig=test") {
		t.Fatalf("in-memory url = %q", mem)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.blobs) != 2 {
		t.Fatalf("blobs = %d", len(store.blobs))
	}
	for name, b := range store.blobs {
		if strings.HasSuffix(name, "_render.png") && !bytes.HasPrefix(b, []byte("\x89PNG")) {
			t.Fatalf("in-memory image was not PNG encoded")
		}
	}
}

func TestUploadScratchFailure(t *testing.T) {
	r := NewResolver(&memStore{failing: true}, nil, "tems", logging.Discard())
	local := filepath.Join(t.TempDir(), "a.png")
	if err := os.WriteFile(local, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := r.UploadScratch(context.Background(), local)
	var rerr *ResolutionError
	if !errors.As(err, &rerr) || rerr.Op != "upload" {
		t.Fatalf("expected upload ResolutionError, got %v", err)
	}

	if _, err := r.RemoteURL(context.Background(), RemoteURL("ftp://example.com/a.png")); !errors.As(err, &rerr) {
		t.Fatalf("non-http remote url should fail, got %v", err)
	}
}
