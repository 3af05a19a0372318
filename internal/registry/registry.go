// Package registry holds the process-wide directory configuration: the primary
// pool pair fixed at startup and the auxiliary auth sources replaced on reload.
package registry

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/isometry/authsourced/internal/authsource"
	"github.com/isometry/authsourced/internal/ldap"
)

var ErrPrimaryAlreadySet = errors.New("primary pools already set")

// AuxiliarySources is an immutable snapshot of the auxiliary auth sources.
// Pools[i] was built from Configs[i].
type AuxiliarySources struct {
	Configs     []authsource.LdapAuthConfig
	Pools       []ldap.PoolPair
	PublishedAt time.Time
}

// Len returns the number of sources.
func (a *AuxiliarySources) Len() int {
	if a == nil {
		return 0
	}
	return len(a.Configs)
}

// Registry publishes configuration to concurrent readers. Readers never block;
// each slot is replaced by a single pointer swap.
type Registry struct {
	primary   atomic.Pointer[ldap.PoolPair]
	auxiliary atomic.Pointer[AuxiliarySources]
	smtp      atomic.Pointer[authsource.SMTPConfiguration]
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// SetPrimary stores the primary pool pair. It may be called once.
func (r *Registry) SetPrimary(pair ldap.PoolPair) error {
	if !r.primary.CompareAndSwap(nil, &pair) {
		return ErrPrimaryAlreadySet
	}
	return nil
}

// Primary returns the primary pool pair and whether it has been set.
func (r *Registry) Primary() (ldap.PoolPair, bool) {
	p := r.primary.Load()
	if p == nil {
		return ldap.PoolPair{}, false
	}
	return *p, true
}

// Auxiliary returns the current auxiliary sources, or nil when there are none.
// The returned snapshot must not be modified.
func (r *Registry) Auxiliary() *AuxiliarySources {
	return r.auxiliary.Load()
}

// PublishAuxiliary replaces the auxiliary sources and returns the snapshot it
// replaced. configs and pools must be index-aligned. An empty list clears the
// slot. The caller owns the replaced pools and must close them once readers
// are done with them.
func (r *Registry) PublishAuxiliary(configs []authsource.LdapAuthConfig, pools []ldap.PoolPair) (*AuxiliarySources, error) {
	if len(configs) != len(pools) {
		return nil, fmt.Errorf("auxiliary configs and pools differ in length: %d != %d", len(configs), len(pools))
	}

	if len(configs) == 0 {
		return r.auxiliary.Swap(nil), nil
	}

	return r.auxiliary.Swap(&AuxiliarySources{
		Configs:     append([]authsource.LdapAuthConfig(nil), configs...),
		Pools:       append([]ldap.PoolPair(nil), pools...),
		PublishedAt: time.Now(),
	}), nil
}

// SetSMTP replaces the SMTP configuration. nil clears it.
func (r *Registry) SetSMTP(cfg *authsource.SMTPConfiguration) {
	r.smtp.Store(cfg)
}

// SMTP returns the SMTP configuration, or nil.
func (r *Registry) SMTP() *authsource.SMTPConfiguration {
	return r.smtp.Load()
}
