package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/authsourced/internal/authsource"
	"github.com/isometry/authsourced/internal/config"
	"github.com/isometry/authsourced/internal/ldap"
	"github.com/isometry/authsourced/internal/ldap/ldaptest"
	"github.com/isometry/authsourced/internal/secrets"
)

const (
	testBaseDN = "ou=appliances,o=gluu"
	testInum   = "@!1111.2222.3333!0002"
	testDN     = "inum=" + testInum + "," + testBaseDN

	corpSource = `{"type":"auth","enabled":true,"config":{"configId":"corp","servers":["ldap.corp.example:1636"],"bindDN":"cn=svc,o=corp","bindPassword":"secret","useSSL":true,"maxConnections":2,"enabled":true}}`
	smtpValue  = `{"host":"smtp.example.com","port":587,"requiresAuthentication":true,"userName":"mailer","password":"mail-secret"}`
)

type stubPool struct {
	mu        sync.Mutex
	closed    bool
	healthErr error
}

func (p *stubPool) Get(context.Context) (*ldap.PooledConnection, error) {
	return nil, errors.New("stub pool has no connections")
}

func (p *stubPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *stubPool) Stats() ldap.PoolStats { return ldap.PoolStats{Total: 1, Idle: 1, Created: 1} }

func (p *stubPool) HealthCheck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthErr
}

func (p *stubPool) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthErr = err
}

// directory answers pool construction; servers listed in down fail to bind.
type directory struct {
	mu    sync.Mutex
	down  map[string]bool
	pools []*stubPool
}

func (d *directory) construct(_ context.Context, cfg *ldap.ConnectionConfig) (ldap.ConnectionPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range cfg.Servers {
		if d.down[s.Host] {
			return nil, ldap.NewConnectionError("connection refused", true, errors.New("dial tcp: connection refused"))
		}
	}

	p := &stubPool{}
	d.pools = append(d.pools, p)
	return p, nil
}

func (d *directory) allClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pools {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			return false
		}
	}
	return true
}

type applianceReader struct {
	attrs map[string][]string
	err   error
}

func (r *applianceReader) FindEntry(_ context.Context, dn string, attributes []string) (*goldap.Entry, error) {
	if r.err != nil {
		return nil, r.err
	}
	if dn != testDN {
		return nil, nil
	}
	selected := make(map[string][]string)
	for _, a := range attributes {
		if v, ok := r.attrs[a]; ok {
			selected[a] = v
		}
	}
	return goldap.NewEntry(dn, selected), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	v := viper.New()
	v.Set("ldap.servers", "ldap.primary.example:1636")
	v.Set("ldap.bind_dn", "cn=directory manager,o=gluu")
	v.Set("ldap.bind_password", "primary-secret")
	v.Set("appliance.base_dn", testBaseDN)
	v.Set("appliance.inum", testInum)
	v.Set("http.listen", "127.0.0.1:0")

	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func newTestInitializer(t *testing.T, dir *directory, reader authsource.EntryReader) *Initializer {
	t.Helper()
	return New(testConfig(t),
		WithDecrypter(secrets.Plaintext{}),
		WithEntryReader(reader),
		WithFactoryOptions(ldap.WithPoolConstructor(dir.construct)),
	)
}

func TestInitialize(t *testing.T) {
	dir := &directory{}
	reader := &applianceReader{attrs: map[string][]string{
		authsource.AttrIDPAuthentication: {corpSource},
		authsource.AttrSMTPConfiguration: {smtpValue},
	}}
	i := newTestInitializer(t, dir, reader)

	require.NoError(t, i.Initialize(context.Background()))

	primary, ok := i.Registry().Primary()
	require.True(t, ok)
	assert.True(t, primary.OK())

	aux := i.Registry().Auxiliary()
	require.NotNil(t, aux)
	require.Equal(t, 1, aux.Len())
	assert.Equal(t, "corp", aux.Configs[0].ConfigID)
	assert.True(t, aux.Pools[0].OK())

	smtp := i.Registry().SMTP()
	require.NotNil(t, smtp)
	assert.Equal(t, "smtp.example.com", smtp.Host)
	assert.Equal(t, "mail-secret", smtp.PasswordDecrypted)

	assert.Error(t, i.Initialize(context.Background()), "second Initialize must fail")

	require.NoError(t, i.Close())
	assert.True(t, dir.allClosed())
}

func TestInitialize_NoAuthSources(t *testing.T) {
	i := newTestInitializer(t, &directory{}, &applianceReader{})

	require.NoError(t, i.Initialize(context.Background()))

	assert.Nil(t, i.Registry().Auxiliary())
	assert.Nil(t, i.Registry().SMTP())
}

func TestInitialize_PrimaryFailure(t *testing.T) {
	dir := &directory{down: map[string]bool{"ldap.primary.example": true}}
	i := newTestInitializer(t, dir, &applianceReader{})

	err := i.Initialize(context.Background())
	require.Error(t, err)

	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "primary")

	_, ok := i.Registry().Primary()
	assert.False(t, ok)
}

func TestInitialize_AuthSourceFailureIsFatal(t *testing.T) {
	reader := &applianceReader{err: errors.New("server unavailable")}
	i := newTestInitializer(t, &directory{}, reader)

	err := i.Initialize(context.Background())
	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "server unavailable")
}

func TestInitialize_UnreachableAuthSourceIsPublished(t *testing.T) {
	dir := &directory{down: map[string]bool{"ldap.corp.example": true}}
	reader := &applianceReader{attrs: map[string][]string{
		authsource.AttrIDPAuthentication: {corpSource},
	}}
	i := newTestInitializer(t, dir, reader)

	require.NoError(t, i.Initialize(context.Background()))

	aux := i.Registry().Auxiliary()
	require.Equal(t, 1, aux.Len())
	assert.Equal(t, ldap.PoolStatusFailed, aux.Pools[0].Lookup.Status())
}

func TestHandler(t *testing.T) {
	reader := &applianceReader{attrs: map[string][]string{
		authsource.AttrIDPAuthentication: {corpSource},
	}}
	i := newTestInitializer(t, &directory{}, reader)

	server := httptest.NewServer(i.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, i.Initialize(context.Background()))

	resp, err = http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "auth_sources 1")

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `authsourced_reloads_total{result="success"} 1`), string(body))
	assert.Contains(t, string(body), "authsourced_auth_sources 1")
	assert.Contains(t, string(body), `authsourced_pool_idle_connections{config_id="",pool="lookup",source="primary"} 1`)
	assert.Contains(t, string(body), `authsourced_pool_connections_created_total{config_id="corp",pool="bind",source="0"} 1`)

	primary, _ := i.Registry().Primary()
	primary.Lookup.Handle().(*stubPool).fail(errors.New("health check search failed"))

	resp, err = http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func directorySource(addr string) string {
	return `{"type":"auth","enabled":true,"config":{"configId":"local","servers":["` + addr +
		`"],"bindDN":"cn=svc,o=gluu","bindPassword":"secret","useSSL":false,"maxConnections":2,"enabled":true}}`
}

func TestReload_ClosesReplacedConnections(t *testing.T) {
	srv := ldaptest.NewServer(t)
	srv.AddEntry(testDN, map[string][]string{
		authsource.AttrIDPAuthentication: {directorySource(srv.Addr())},
	})

	v := viper.New()
	v.Set("ldap.servers", srv.Addr())
	v.Set("ldap.use_ssl", false)
	v.Set("ldap.bind_dn", "cn=directory manager,o=gluu")
	v.Set("ldap.bind_password", "primary-secret")
	v.Set("ldap.connect_timeout", "5s")
	v.Set("ldap.health_check_interval", "0s")
	v.Set("appliance.base_dn", testBaseDN)
	v.Set("appliance.inum", testInum)
	v.Set("reload.retire_grace", "0s")
	cfg, err := config.Load(v)
	require.NoError(t, err)

	i := New(cfg, WithDecrypter(secrets.Plaintext{}))
	require.NoError(t, i.Initialize(t.Context()))
	require.Equal(t, 1, i.Registry().Auxiliary().Len())
	require.True(t, i.Registry().Auxiliary().Pools[0].OK())

	// One connection each for the lookup and bind pools of the primary and the auth source
	const steady = 4
	openConnections := func(want int) func() bool {
		return func() bool { return srv.OpenConnections() == want }
	}
	require.Eventually(t, openConnections(steady), 5*time.Second, 10*time.Millisecond)

	for range 5 {
		require.NoError(t, i.Scheduler().Reload(t.Context()))
	}
	assert.Eventually(t, openConnections(steady), 5*time.Second, 10*time.Millisecond,
		"replaced pools must release their connections, have %d", srv.OpenConnections())
	assert.Zero(t, i.Scheduler().Retired())

	server := httptest.NewServer(i.Handler())
	defer server.Close()
	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, i.Close())
	assert.Eventually(t, openConnections(0), 5*time.Second, 10*time.Millisecond)
}

func TestRun_RequiresInitialize(t *testing.T) {
	i := newTestInitializer(t, &directory{}, &applianceReader{})
	assert.Error(t, i.Run(context.Background()))
}

func TestRun_StopsOnCancel(t *testing.T) {
	i := newTestInitializer(t, &directory{}, &applianceReader{})
	require.NoError(t, i.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- i.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServe(t *testing.T) {
	i := newTestInitializer(t, &directory{}, &applianceReader{})
	require.NoError(t, i.Initialize(context.Background()))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- i.serve(ctx, listener) }()

	url := "http://" + listener.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
