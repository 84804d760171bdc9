package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/toricodesthings/mail-attachment-service/internal/storage"
)

const genericSuffix = ".tmp"

// MaterializedFile is a local copy of one attachment. Close removes the
// temp directory it lives in, but only when this package created it.
type MaterializedFile struct {
	Path     string
	Name     string
	Ext      string
	MIMEType string
	Size     int64

	tempDir string
	once    sync.Once
}

// Owned reports whether Close will delete the file.
func (m *MaterializedFile) Owned() bool {
	return m != nil && m.tempDir != ""
}

func (m *MaterializedFile) Close() error {
	if m == nil || m.tempDir == "" {
		return nil
	}
	var err error
	m.once.Do(func() {
		err = os.RemoveAll(m.tempDir)
	})
	return err
}

// Downloader streams remote objects into private temp directories.
type Downloader struct {
	Client       *http.Client
	MaxBytes     int64
	Timeout      time.Duration
	AllowPrivate bool
}

func NewDownloader(maxBytes int64, timeout time.Duration, allowPrivate bool) *Downloader {
	d := &Downloader{MaxBytes: maxBytes, Timeout: timeout, AllowPrivate: allowPrivate}
	d.Client = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return validateDownloadURL(req.URL.String(), d.AllowPrivate)
		},
	}
	return d
}

func (d *Downloader) Download(ctx context.Context, rawURL, fileName string) (*MaterializedFile, error) {
	if err := validateDownloadURL(rawURL, d.AllowPrivate); err != nil {
		return nil, err
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "mail-attachment-service/1.0")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", scrubURLError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	mf, err := SaveToTemp(resp.Body, fileName, d.MaxBytes)
	if err != nil {
		return nil, err
	}

	if mf.MIMEType == "" || mf.MIMEType == "application/octet-stream" {
		if ct := headerMIMEType(resp.Header.Get("Content-Type")); ct != "" {
			mf.MIMEType = ct
		}
	}
	return mf, nil
}

// SaveToTemp writes r into a fresh temp directory under fileName, enforcing
// maxBytes (0 disables the cap). A name without an extension gets ".tmp".
func SaveToTemp(r io.Reader, fileName string, maxBytes int64) (*MaterializedFile, error) {
	tmpDir, err := os.MkdirTemp("", "mailatt-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}

	safeName := filepath.Base(strings.TrimSpace(fileName))
	if safeName == "" || safeName == "." || safeName == "/" {
		safeName = "attachment"
	}
	if filepath.Ext(safeName) == "" {
		safeName += genericSuffix
	}
	outPath := filepath.Join(tmpDir, safeName)

	f, err := os.Create(outPath)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	src := r
	if maxBytes > 0 {
		src = &io.LimitedReader{R: r, N: maxBytes + 1}
	}
	n, err := io.Copy(f, src)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("write: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("file exceeds %dMB limit", maxBytes/(1<<20))
	}

	if err := f.Sync(); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("sync: %w", err)
	}

	return &MaterializedFile{
		Path:     outPath,
		Name:     safeName,
		Ext:      strings.ToLower(filepath.Ext(safeName)),
		MIMEType: sniffMIMEType(outPath),
		Size:     n,
		tempDir:  tmpDir,
	}, nil
}

func validateDownloadURL(rawURL string, allowPrivate bool) error {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed == nil {
		return fmt.Errorf("invalid download URL")
	}

	host := strings.ToLower(strings.TrimSpace(parsed.Hostname()))
	if host == "" {
		return fmt.Errorf("download URL host is required")
	}

	isLocalName := host == "localhost" || strings.HasSuffix(host, ".localhost")
	isPrivateIP := false

	ip := net.ParseIP(host)
	if ip != nil {
		isPrivateIP = isPrivateOrLocalIP(ip)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "https":
	case "http":
		if !(allowPrivate && (isLocalName || isPrivateIP)) {
			return fmt.Errorf("download URL must use https")
		}
	default:
		return fmt.Errorf("download URL must use https")
	}

	if isLocalName || isPrivateIP {
		if allowPrivate {
			return nil
		}
		return fmt.Errorf("download URL host is not allowed")
	}

	return nil
}

func isPrivateOrLocalIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalMulticast() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}

	// RFC6598 carrier-grade NAT range: 100.64.0.0/10
	if v4 := ip.To4(); v4 != nil && v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127 {
		return true
	}
	return false
}

// scrubURLError strips the signed query string that *url.Error embeds.
func scrubURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return &url.Error{Op: ue.Op, URL: storage.RedactURL(ue.URL), Err: ue.Err}
	}
	return err
}

func headerMIMEType(v string) string {
	mt := strings.ToLower(strings.TrimSpace(v))
	if i := strings.Index(mt, ";"); i > 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

func sniffMIMEType(path string) string {
	m, err := mimetype.DetectFile(path)
	if err == nil && m != nil {
		return headerMIMEType(m.String())
	}

	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	if n <= 0 {
		return ""
	}
	return headerMIMEType(http.DetectContentType(buf[:n]))
}
