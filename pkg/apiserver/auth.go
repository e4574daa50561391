/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"matrixinfer.ai/inferengine/pkg/config"
	"matrixinfer.ai/inferengine/pkg/logger"
)

var log = logger.NewLogger("apiserver")

const jwksRefreshInterval = 24 * time.Hour

// Authenticator verifies bearer tokens against a JWKS fetched from cfg's
// URI, refreshing the key set periodically, ported from the teacher's
// JWKSRotator.
type Authenticator struct {
	cfg    config.AuthConfig
	mu     sync.RWMutex
	keySet jwk.Set
	stopCh chan struct{}
}

// NewAuthenticator fetches the initial key set and starts the
// background refresh loop. Returns nil (meaning: auth disabled) if cfg
// has no JWKS URI configured.
func NewAuthenticator(ctx context.Context, cfg *config.AuthConfig) *Authenticator {
	if cfg == nil || cfg.JwksURI == "" {
		return nil
	}
	a := &Authenticator{cfg: *cfg, stopCh: make(chan struct{})}
	a.rotate(ctx)
	go a.rotationLoop(ctx)
	return a
}

func (a *Authenticator) rotate(ctx context.Context) {
	keySet, err := jwk.Fetch(ctx, a.cfg.JwksURI)
	if err != nil {
		log.WithField("uri", a.cfg.JwksURI).WithError(err).Warn("failed to refresh JWKS")
		return
	}
	a.mu.Lock()
	a.keySet = keySet
	a.mu.Unlock()
}

func (a *Authenticator) rotationLoop(ctx context.Context) {
	ticker := time.NewTicker(jwksRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.rotate(ctx)
		}
	}
}

// Stop ends the background JWKS refresh loop.
func (a *Authenticator) Stop() {
	if a == nil {
		return
	}
	close(a.stopCh)
}

// ErrUnauthenticated wraps the underlying verification failure.
type ErrUnauthenticated struct {
	Reason error
}

func (e ErrUnauthenticated) Error() string {
	return fmt.Sprintf("apiserver: unauthenticated: %v", e.Reason)
}

// Verify checks token's signature, issuer, and audience. A nil
// Authenticator always succeeds (auth disabled).
func (a *Authenticator) Verify(token string) error {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	keySet := a.keySet
	a.mu.RUnlock()
	if keySet == nil {
		return ErrUnauthenticated{Reason: fmt.Errorf("no JWKS available")}
	}

	opts := []jwt.ParseOption{jwt.WithKeySet(keySet)}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	for _, aud := range a.cfg.Audiences {
		opts = append(opts, jwt.WithAudience(aud))
	}

	if _, err := jwt.Parse([]byte(token), opts...); err != nil {
		return ErrUnauthenticated{Reason: err}
	}
	return nil
}
