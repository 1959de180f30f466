// SPDX-License-Identifier: AGPL-3.0-or-later
package tenant

import (
	"context"
)

// Provider supplies the tenant ID that the current operation should run
// under (spec §3's tenant isolation boundary). Unlike a single-tenant
// deployment, this core serves many tenants concurrently, so there is no
// one instance-wide tenant: each loop iteration resolves its own.
type Provider interface {
	CurrentTenant(ctx context.Context) (string, error)
}

// StaticProvider wraps a tenant ID already known by the caller (e.g. the
// cleanup loop iterating tenants one at a time, or a request handler that
// has already resolved the caller's tenant).
type StaticProvider struct {
	id string
}

func NewStaticProvider(id string) *StaticProvider {
	return &StaticProvider{id: id}
}

func (p *StaticProvider) CurrentTenant(_ context.Context) (string, error) {
	return p.id, nil
}
