package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/google/uuid"

	"github.com/toricodesthings/mail-attachment-service/internal/credentials"
)

type Options struct {
	Endpoint    string
	AccountName string
	// TTL of generated signed URLs. Defaults to one hour.
	TTL time.Duration
}

// BlobStore uploads scratch artifacts and signs read-only URLs.
type BlobStore struct {
	client   *azblob.Client
	base     string
	ttl      time.Duration
	signer   signer
	protocol sas.Protocol
	now      func() time.Time

	ensured sync.Map
}

func New(opts Options, cred credentials.Credential) (*BlobStore, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if base == "" {
		return nil, errors.New("storage endpoint is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	s := &BlobStore{base: base, ttl: ttl, now: time.Now, protocol: sas.ProtocolHTTPS}
	if strings.HasPrefix(strings.ToLower(base), "http://") {
		s.protocol = sas.ProtocolHTTPSandHTTP
	}

	switch {
	case cred.IsKey():
		if opts.AccountName == "" {
			return nil, errors.New("storage account name is required for shared key signing")
		}
		skc, err := azblob.NewSharedKeyCredential(opts.AccountName, cred.Key)
		if err != nil {
			return nil, fmt.Errorf("shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(base+"/", skc, nil)
		if err != nil {
			return nil, fmt.Errorf("blob client: %w", err)
		}
		s.client = client
		s.signer = &sharedKeySigner{cred: skc}
	case cred.Token != nil:
		client, err := azblob.NewClient(base+"/", cred.Token, nil)
		if err != nil {
			return nil, fmt.Errorf("blob client: %w", err)
		}
		s.client = client
		s.signer = &delegationSigner{svc: client.ServiceClient(), now: s.now, validity: 2 * ttl}
	default:
		return nil, errors.New("no storage credential")
	}
	return s, nil
}

// Upload writes r to container/blob, creating the container on first use.
func (s *BlobStore) Upload(ctx context.Context, container, blob string, r io.Reader) error {
	if err := s.ensureContainer(ctx, container); err != nil {
		return err
	}
	if _, err := s.client.UploadStream(ctx, container, blob, r, nil); err != nil {
		return fmt.Errorf("upload %s/%s: %w", container, blob, err)
	}
	return nil
}

// SignedURL returns {base}/{container}/{blob}?{sas} granting read access
// for the configured TTL.
func (s *BlobStore) SignedURL(ctx context.Context, container, blob string) (string, error) {
	now := s.now().UTC()
	values := sas.BlobSignatureValues{
		Protocol:      s.protocol,
		StartTime:     now.Add(-5 * time.Minute),
		ExpiryTime:    now.Add(s.ttl),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: container,
		BlobName:      blob,
	}
	qp, err := s.signer.sign(ctx, values)
	if err != nil {
		return "", fmt.Errorf("sign %s/%s: %w", container, blob, err)
	}
	return BlobURL(s.base, container, blob) + "?" + qp.Encode(), nil
}

func (s *BlobStore) ensureContainer(ctx context.Context, container string) error {
	if _, ok := s.ensured.Load(container); ok {
		return nil
	}
	_, err := s.client.CreateContainer(ctx, container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("create container %s: %w", container, err)
	}
	s.ensured.Store(container, struct{}{})
	return nil
}

// BlobURL joins the endpoint, container and blob name, escaping each path
// segment of the blob name.
func BlobURL(base, container, blob string) string {
	segments := strings.Split(strings.TrimLeft(blob, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(container) + "/" + strings.Join(segments, "/")
}

// ScratchName builds a collision-free blob name: {unix}_{uuid hex}_{base}.
func ScratchName(baseName string, now time.Time) string {
	id := uuid.New()
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(baseName), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = "artifact"
	}
	return fmt.Sprintf("%d_%s_%s", now.Unix(), hex.EncodeToString(id[:]), name)
}

// RedactURL drops the query string so signatures stay out of logs.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}
