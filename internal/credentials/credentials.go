// Package credentials picks the authentication path for Azure services.
//
// Lookup order is fixed: a key set explicitly in the environment, then a key
// from the local settings file, then the ambient identity of the process
// (managed identity, workload identity, az CLI login, ...).
package credentials

import (
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/toricodesthings/mail-attachment-service/internal/config"
)

type Source string

const (
	SourceExplicit      Source = "explicit"
	SourceLocalSettings Source = "local_settings"
	SourceAmbient       Source = "ambient_identity"
)

// Lookup is satisfied by config.Config and config.Settings.
type Lookup interface {
	Lookup(name string) (string, config.Source)
}

// AmbientFunc builds the process identity credential.
type AmbientFunc func() (azcore.TokenCredential, error)

func DefaultAmbient() (azcore.TokenCredential, error) {
	return azidentity.NewDefaultAzureCredential(nil)
}

// Credential is either a static key or a token credential.
type Credential struct {
	Source Source
	Key    string
	Token  azcore.TokenCredential
}

func (c Credential) IsKey() bool { return c.Key != "" }

type Resolver struct {
	lookup  Lookup
	ambient AmbientFunc

	once  sync.Once
	token azcore.TokenCredential
	err   error
}

func NewResolver(lookup Lookup, ambient AmbientFunc) *Resolver {
	if ambient == nil {
		ambient = DefaultAmbient
	}
	return &Resolver{lookup: lookup, ambient: ambient}
}

// Resolve returns the credential for the service whose key lives under
// keyName. The ambient credential is built at most once and shared.
func (r *Resolver) Resolve(keyName string) (Credential, error) {
	if v, src := r.lookup.Lookup(keyName); v != "" {
		switch src {
		case config.SourceEnv:
			return Credential{Source: SourceExplicit, Key: v}, nil
		default:
			return Credential{Source: SourceLocalSettings, Key: v}, nil
		}
	}

	r.once.Do(func() {
		r.token, r.err = r.ambient()
	})
	if r.err != nil {
		return Credential{}, fmt.Errorf("%s not set and ambient identity unavailable: %w", keyName, r.err)
	}
	return Credential{Source: SourceAmbient, Token: r.token}, nil
}
