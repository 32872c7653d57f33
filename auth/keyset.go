package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/httpbackoff/v3"
	"golang.org/x/sync/singleflight"
)

// upper bound on the size of a key set document
const maxKeySetBytes = 1 << 20

// keySet resolves key ids to public keys, caching the fetched set for ttl.
// A miss or a stale cache triggers a refetch; concurrent refetches share a
// single request.
type keySet struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	retry      *httpbackoff.Client
	logger     *logrus.Logger
	now        func() time.Time

	m       sync.RWMutex
	keys    map[string]any
	fetched time.Time

	group singleflight.Group
}

func (ks *keySet) lookup(ctx context.Context, kid string) (any, error) {
	ks.m.RLock()
	key, ok := ks.keys[kid]
	fresh := !ks.fetched.IsZero() && ks.now().Sub(ks.fetched) < ks.ttl
	ks.m.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := ks.refresh(ctx); err != nil {
		return nil, err
	}

	ks.m.RLock()
	key, ok = ks.keys[kid]
	ks.m.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrKeyResolutionFailed, "no signing key with kid %q", kid)
	}
	return key, nil
}

func (ks *keySet) refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrKeyResolutionFailed, err.Error())
	}
	ch := ks.group.DoChan("keys", func() (any, error) {
		keys, err := ks.fetch()
		if err != nil {
			return nil, err
		}
		ks.m.Lock()
		ks.keys = keys
		ks.fetched = ks.now()
		ks.m.Unlock()
		ks.logger.WithField("keys", len(keys)).Debug("refreshed signing key set")
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return errors.Wrap(ErrKeyResolutionFailed, ctx.Err().Error())
	case res := <-ch:
		if res.Err != nil {
			ks.logger.WithError(res.Err).Error("could not fetch signing key set")
			return errors.Wrap(ErrKeyResolutionFailed, res.Err.Error())
		}
		return nil
	}
}

func (ks *keySet) fetch() (map[string]any, error) {
	resp, _, err := ks.retry.ClientGet(ks.httpClient, ks.url)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxKeySetBytes)).Decode(&set); err != nil {
		return nil, errors.Wrap(err, "decoding key set")
	}

	keys := make(map[string]any, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if !k.IsPublic() {
			k = k.Public()
		}
		if k.Key == nil {
			continue
		}
		keys[k.KeyID] = k.Key
	}
	return keys, nil
}
