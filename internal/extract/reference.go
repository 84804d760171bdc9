package extract

import (
	"errors"
	"fmt"
	"image"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/toricodesthings/mail-attachment-service/internal/storage"
)

type RefKind int

const (
	RefRemoteURL RefKind = iota + 1
	RefStoragePath
	RefLocalPath
	RefInMemoryImage
)

func (k RefKind) String() string {
	switch k {
	case RefRemoteURL:
		return "remote_url"
	case RefStoragePath:
		return "storage_path"
	case RefLocalPath:
		return "local_path"
	case RefInMemoryImage:
		return "in_memory_image"
	default:
		return "invalid"
	}
}

// Reference points at the bytes of one attachment. Build it with RemoteURL,
// StoragePath, LocalPath, InMemoryImage or ParseReference; the zero value is
// invalid.
type Reference struct {
	kind      RefKind
	url       string
	container string
	key       string
	path      string
	img       image.Image
	name      string
}

func RemoteURL(u string) Reference {
	return Reference{kind: RefRemoteURL, url: strings.TrimSpace(u)}
}

func StoragePath(container, key string) Reference {
	return Reference{kind: RefStoragePath, container: container, key: strings.TrimLeft(key, "/")}
}

func LocalPath(p string) Reference {
	return Reference{kind: RefLocalPath, path: p}
}

// InMemoryImage wraps a decoded raster. name is used for the uploaded blob
// and the result's filename; ".png" is enforced since the image is encoded
// as PNG before it leaves memory.
func InMemoryImage(img image.Image, name string) Reference {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "image"
	}
	if strings.ToLower(filepath.Ext(name)) != ".png" {
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ".png"
	}
	return Reference{kind: RefInMemoryImage, img: img, name: name}
}

// ParseReference maps the string forms used by callers onto a Reference:
//
//	https://host/path       RemoteURL
//	/container/blob/name    StoragePath
//	/blob                   StoragePath in defaultContainer
//	file:///abs/path        LocalPath
//	relative/path           LocalPath
func ParseReference(raw, defaultContainer string) (Reference, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Reference{}, fmt.Errorf("empty attachment reference")
	}

	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return Reference{}, fmt.Errorf("invalid attachment URL")
		}
		return RemoteURL(s), nil
	case strings.HasPrefix(lower, "file://"):
		u, err := url.Parse(s)
		if err != nil || u.Path == "" {
			return Reference{}, fmt.Errorf("invalid file reference")
		}
		return LocalPath(u.Path), nil
	case strings.HasPrefix(s, "/"):
		parts := strings.SplitN(strings.TrimLeft(s, "/"), "/", 2)
		if len(parts) == 2 && parts[1] != "" {
			return StoragePath(parts[0], parts[1]), nil
		}
		if parts[0] == "" {
			return Reference{}, fmt.Errorf("invalid storage path %q", s)
		}
		if strings.TrimSpace(defaultContainer) == "" {
			return Reference{}, fmt.Errorf("storage path %q has no container", s)
		}
		return StoragePath(defaultContainer, parts[0]), nil
	default:
		return LocalPath(s), nil
	}
}

// ErrUntrustedReference marks a reference form that inbound requests may
// not use.
var ErrUntrustedReference = errors.New("attachment reference must be a storage path or an https URL")

// ParseInboundReference is ParseReference restricted to what request
// payloads may name: storage paths and https URLs. Local file forms are
// rejected so a caller cannot read files on the host.
func ParseInboundReference(raw, defaultContainer string) (Reference, error) {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	if s != "" && !strings.HasPrefix(s, "/") && !strings.HasPrefix(lower, "https://") {
		return Reference{}, fmt.Errorf("%w: %q", ErrUntrustedReference, s)
	}
	if strings.HasPrefix(s, "//") {
		return Reference{}, fmt.Errorf("%w: %q", ErrUntrustedReference, s)
	}
	return ParseReference(s, defaultContainer)
}

func (r Reference) Kind() RefKind      { return r.kind }
func (r Reference) URL() string        { return r.url }
func (r Reference) Container() string  { return r.container }
func (r Reference) Key() string        { return r.key }
func (r Reference) Path() string       { return r.path }
func (r Reference) Image() image.Image { return r.img }

// Name is the trailing path segment of the reference.
func (r Reference) Name() string {
	switch r.kind {
	case RefRemoteURL:
		u, err := url.Parse(r.url)
		if err != nil {
			return ""
		}
		base := path.Base(u.Path)
		if base == "/" || base == "." {
			return ""
		}
		if unescaped, err := url.PathUnescape(base); err == nil {
			return unescaped
		}
		return base
	case RefStoragePath:
		return path.Base(r.key)
	case RefLocalPath:
		return filepath.Base(r.path)
	case RefInMemoryImage:
		return r.name
	default:
		return ""
	}
}

// Ext is the lowercased extension of Name, including the dot.
func (r Reference) Ext() string {
	return strings.ToLower(path.Ext(r.Name()))
}

// String renders the reference for logs and result records. Query strings
// are dropped from URLs so signatures never leak.
func (r Reference) String() string {
	switch r.kind {
	case RefRemoteURL:
		return storage.RedactURL(r.url)
	case RefStoragePath:
		return "/" + r.container + "/" + r.key
	case RefLocalPath:
		return r.path
	case RefInMemoryImage:
		return "memory:" + r.name
	default:
		return "<invalid>"
	}
}
