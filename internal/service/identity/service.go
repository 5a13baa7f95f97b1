package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/labstack/gommon/log"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/platform"
)

const (
	SourcePlatform  = "platform"
	SourceDirectory = "directory"
)

// Resolver maps a user id to the identity used for email addressing and
// template names.
type Resolver interface {
	Resolve(ctx context.Context, userID model.UserID) (*model.Identity, error)
}

type ResolverFunc func(ctx context.Context, userID model.UserID) (*model.Identity, error)

func (f ResolverFunc) Resolve(ctx context.Context, userID model.UserID) (*model.Identity, error) {
	return f(ctx, userID)
}

type PlatformAPI interface {
	GetIdentity(ctx context.Context, userID model.UserID) (*model.Identity, error)
}

type Directory interface {
	Get(ctx context.Context, userID model.UserID) (*model.Identity, error)
}

type Cache interface {
	Get(userID model.UserID) (*model.Identity, error)
	Set(identity *model.Identity) error
}

// New picks the resolver for the configured identity source.
func New(source string, api PlatformAPI, directory Directory) (Resolver, error) {
	switch source {
	case "", SourcePlatform:
		return NewPlatformResolver(api), nil
	case SourceDirectory:
		return NewDirectoryResolver(directory), nil
	}
	return nil, fmt.Errorf("unknown identity source %q", source)
}

func NewPlatformResolver(api PlatformAPI) Resolver {
	return ResolverFunc(func(ctx context.Context, userID model.UserID) (*model.Identity, error) {
		identity, err := api.GetIdentity(ctx, userID)
		if err != nil {
			return nil, lookupError(userID, err)
		}
		return identity, nil
	})
}

func NewDirectoryResolver(directory Directory) Resolver {
	return ResolverFunc(func(ctx context.Context, userID model.UserID) (*model.Identity, error) {
		identity, err := directory.Get(ctx, userID)
		if err != nil {
			return nil, lookupError(userID, err)
		}
		return identity, nil
	})
}

type cachedResolver struct {
	next   Resolver
	cache  Cache
	logger *log.Logger
}

// NewCachedResolver serves identities from cache and falls through to next
// on a miss. Cache failures are logged and never fail a lookup.
func NewCachedResolver(next Resolver, cache Cache, logger *log.Logger) Resolver {
	return &cachedResolver{next, cache, logger}
}

func (r *cachedResolver) Resolve(ctx context.Context, userID model.UserID) (*model.Identity, error) {
	identity, err := r.cache.Get(userID)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, model.ErrorIdentityNotFound) {
		r.logger.Warnf("identity cache: %v", err)
	}

	identity, err = r.next.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(identity); err != nil {
		r.logger.Warnf("identity cache: %v", err)
	}
	return identity, nil
}

func lookupError(userID model.UserID, err error) error {
	if errors.Is(err, model.ErrorIdentityLookup) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", model.ErrorIdentityLookup, userID, err)
}

// Temporary reports whether a failed lookup may succeed when retried. Only an
// unknown user or a request the platform rejected outright is final.
func Temporary(err error) bool {
	if errors.Is(err, model.ErrorIdentityNotFound) {
		return false
	}
	var apiErr *platform.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}
