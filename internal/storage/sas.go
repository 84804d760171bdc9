package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
)

type signer interface {
	sign(ctx context.Context, v sas.BlobSignatureValues) (sas.QueryParameters, error)
}

// sharedKeySigner signs with the account key (local development).
type sharedKeySigner struct {
	cred *azblob.SharedKeyCredential
}

func (s *sharedKeySigner) sign(_ context.Context, v sas.BlobSignatureValues) (sas.QueryParameters, error) {
	return v.SignWithSharedKey(s.cred)
}

// delegationSigner signs with a user delegation key obtained through the
// ambient identity. The key is cached until less than one URL lifetime of
// validity remains.
type delegationSigner struct {
	svc      *service.Client
	now      func() time.Time
	validity time.Duration

	mu      sync.Mutex
	cred    *service.UserDelegationCredential
	expires time.Time
}

func (s *delegationSigner) sign(ctx context.Context, v sas.BlobSignatureValues) (sas.QueryParameters, error) {
	cred, err := s.credential(ctx, v.ExpiryTime)
	if err != nil {
		return sas.QueryParameters{}, err
	}
	return v.SignWithUserDelegation(cred)
}

func (s *delegationSigner) credential(ctx context.Context, needUntil time.Time) (*service.UserDelegationCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred != nil && s.expires.After(needUntil) {
		return s.cred, nil
	}

	now := s.now().UTC()
	expiry := now.Add(s.validity)
	if expiry.Before(needUntil) {
		expiry = needUntil.Add(time.Minute)
	}
	info := service.KeyInfo{
		Start:  to.Ptr(now.Add(-5 * time.Minute).Format(sas.TimeFormat)),
		Expiry: to.Ptr(expiry.Format(sas.TimeFormat)),
	}
	cred, err := s.svc.GetUserDelegationCredential(ctx, info, nil)
	if err != nil {
		return nil, fmt.Errorf("user delegation key: %w", err)
	}
	s.cred = cred
	s.expires = expiry
	return cred, nil
}
