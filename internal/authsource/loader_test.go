package authsource

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/authsourced/internal/ldap"
)

const (
	testBaseDN = "ou=appliances,o=gluu"
	testInum   = "@!1111.2222.3333!0002"
	testDN     = "inum=" + testInum + "," + testBaseDN
)

// fakeDirectory is an in-memory EntryReader.
type fakeDirectory struct {
	entries map[string]map[string][]string
	err     error
	reads   []string
}

func (f *fakeDirectory) FindEntry(_ context.Context, dn string, attributes []string) (*goldap.Entry, error) {
	f.reads = append(f.reads, dn)
	if f.err != nil {
		return nil, f.err
	}
	attrs, ok := f.entries[dn]
	if !ok {
		return nil, nil
	}
	selected := make(map[string][]string, len(attributes))
	for _, a := range attributes {
		if v, ok := attrs[a]; ok {
			selected[a] = v
		}
	}
	return goldap.NewEntry(dn, selected), nil
}

func applianceWith(values ...string) *fakeDirectory {
	return &fakeDirectory{
		entries: map[string]map[string][]string{
			testDN: {AttrIDPAuthentication: values},
		},
	}
}

const (
	modernObject = `{"type":"auth","name":"corp","enabled":true,"config":{"configId":"corp","servers":[{"value":"ldap1.corp.example:1636"},{"value":"ldap2.corp.example:1636"}],"bindDN":"cn=svc,o=corp","bindPassword":"vault:v1:abc","useSSL":true,"maxConnections":5,"enabled":true,"baseDNs":[{"value":"o=corp"}],"primaryKey":"uid","localPrimaryKey":"uid"}}`
	modernString = `{"type":"AUTH","enabled":true,"config":"{\"configId\":\"lab\",\"servers\":[\"ldap.lab.example:1389\"],\"useSSL\":false,\"maxConnections\":2,\"enabled\":false}"}`
	legacy       = `{"type":"ldap","enabled":true,"fields":[{"name":"host","values":["ldap.example.com:1389"]},{"name":"port","values":[""]},{"name":"bindDN","values":["cn=admin"]},{"name":"bindPassword","values":["secret"]},{"name":"useSSL","values":["false"]}]}`
)

func TestLoader_ApplianceDN(t *testing.T) {
	dn, err := NewLoader(nil, testBaseDN, testInum).ApplianceDN()
	require.NoError(t, err)
	assert.Equal(t, testDN, dn)

	dn, err = NewLoader(nil, "", testInum).ApplianceDN()
	require.NoError(t, err)
	assert.Empty(t, dn)

	dn, err = NewLoader(nil, testBaseDN, "").ApplianceDN()
	require.NoError(t, err)
	assert.Empty(t, dn)

	dn, err = NewLoader(nil, testBaseDN, "a,b").ApplianceDN()
	require.NoError(t, err)
	assert.Equal(t, `inum=a\,b,`+testBaseDN, dn)
}

func TestLoader_LoadDescriptors(t *testing.T) {
	t.Run("unconfigured appliance reads nothing", func(t *testing.T) {
		dir := applianceWith(modernObject)
		descriptors, err := NewLoader(dir, "", "").LoadDescriptors(t.Context())
		require.NoError(t, err)
		assert.Empty(t, descriptors)
		assert.Empty(t, dir.reads)
	})

	t.Run("missing entry", func(t *testing.T) {
		dir := &fakeDirectory{}
		descriptors, err := NewLoader(dir, testBaseDN, testInum).LoadDescriptors(t.Context())
		require.NoError(t, err)
		assert.Empty(t, descriptors)
		assert.Equal(t, []string{testDN}, dir.reads)
	})

	t.Run("no such object is treated as missing", func(t *testing.T) {
		dir := &fakeDirectory{err: goldap.NewError(goldap.LDAPResultNoSuchObject, errors.New("no such entry"))}
		descriptors, err := NewLoader(dir, testBaseDN, testInum).LoadDescriptors(t.Context())
		require.NoError(t, err)
		assert.Empty(t, descriptors)
	})

	t.Run("directory failure is returned", func(t *testing.T) {
		dir := &fakeDirectory{err: ldap.NewConnectionError("failed to create connection after retries", true, errors.New("connection refused"))}
		_, err := NewLoader(dir, testBaseDN, testInum).LoadDescriptors(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), testDN)
	})

	t.Run("missing attribute", func(t *testing.T) {
		dir := &fakeDirectory{entries: map[string]map[string][]string{testDN: {}}}
		descriptors, err := NewLoader(dir, testBaseDN, testInum).LoadDescriptors(t.Context())
		require.NoError(t, err)
		assert.Empty(t, descriptors)
	})

	t.Run("filters invalid and foreign descriptors", func(t *testing.T) {
		dir := applianceWith(
			modernObject,
			`{"type":"saml","enabled":true}`,
			`not json`,
			`{"enabled":true}`,
			legacy,
			`{"type":"auth","enabled":"yes"}`,
			modernString,
		)

		descriptors, err := NewLoader(dir, testBaseDN, testInum).LoadDescriptors(t.Context())
		require.NoError(t, err)
		require.Len(t, descriptors, 3)
		assert.Equal(t, "auth", descriptors[0].Type)
		assert.Equal(t, "corp", descriptors[0].Name)
		assert.Equal(t, "ldap", descriptors[1].Type)
		assert.Equal(t, "AUTH", descriptors[2].Type)
	})
}

func TestDecodeDescriptor_TypeMatching(t *testing.T) {
	descriptor := func(kind string) string {
		return `{"type":` + strconv.Quote(kind) + `,"enabled":true}`
	}

	for _, kind := range []string{"ldap", " ldap", "Auth ", "\tAUTH\n"} {
		d, err := decodeDescriptor(descriptor(kind))
		require.NoError(t, err, kind)
		require.NotNil(t, d, "type %q is a directory type", kind)
		assert.True(t, d.IsType(TypeLDAP) || d.IsType(TypeAuth), "decoder and IsType disagree on %q", kind)
	}

	for _, kind := range []string{"saml", " ldaps", ""} {
		d, err := decodeDescriptor(descriptor(kind))
		require.NoError(t, err, kind)
		assert.Nil(t, d, "type %q is skipped", kind)
	}

	t.Run("mapped like an unpadded type", func(t *testing.T) {
		d, err := decodeDescriptor(strings.Replace(legacy, `"type":"ldap"`, `"type":" ldap "`, 1))
		require.NoError(t, err)
		require.NotNil(t, d)

		cfg, err := MapDescriptor(d)
		require.NoError(t, err)
		assert.Equal(t, PropertyList{"ldap.example.com:1389"}, cfg.Servers)
	})
}

func TestMapDescriptor(t *testing.T) {
	t.Run("modern object payload", func(t *testing.T) {
		d, err := decodeDescriptor(modernObject)
		require.NoError(t, err)

		cfg, err := MapDescriptor(d)
		require.NoError(t, err)
		assert.Equal(t, &LdapAuthConfig{
			ConfigID:        "corp",
			Servers:         PropertyList{"ldap1.corp.example:1636", "ldap2.corp.example:1636"},
			BindDN:          "cn=svc,o=corp",
			BindPassword:    "vault:v1:abc",
			UseSSL:          true,
			MaxConnections:  5,
			Enabled:         true,
			BaseDNs:         PropertyList{"o=corp"},
			PrimaryKey:      "uid",
			LocalPrimaryKey: "uid",
		}, cfg)
	})

	t.Run("modern string payload", func(t *testing.T) {
		d, err := decodeDescriptor(modernString)
		require.NoError(t, err)

		cfg, err := MapDescriptor(d)
		require.NoError(t, err)
		assert.Equal(t, "lab", cfg.ConfigID)
		assert.Equal(t, PropertyList{"ldap.lab.example:1389"}, cfg.Servers)
		assert.Empty(t, cfg.BindDN)
		assert.Equal(t, 2, cfg.MaxConnections)
		assert.False(t, cfg.Enabled)
	})

	t.Run("legacy positional fields", func(t *testing.T) {
		d, err := decodeDescriptor(legacy)
		require.NoError(t, err)

		cfg, err := MapDescriptor(d)
		require.NoError(t, err)
		assert.Equal(t, &LdapAuthConfig{
			ConfigID:       "auth_ldap_server",
			Servers:        PropertyList{"ldap.example.com:1389"},
			BindDN:         "cn=admin",
			BindPassword:   "secret",
			UseSSL:         false,
			MaxConnections: 3,
			Enabled:        true,
		}, cfg)
	})

	t.Run("legacy host and port", func(t *testing.T) {
		cfg, err := MapDescriptor(&Descriptor{
			Type: "LDAP",
			Fields: []Field{
				{Name: "host", Values: []string{"ldap.example.com"}},
				{Name: "port", Values: []string{"1636"}},
				{Name: "bindDN", Values: []string{"cn=admin"}},
				{Name: "bindPassword", Values: []string{"secret"}},
				{Name: "useSSL", Values: []string{"TRUE"}},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, PropertyList{"ldap.example.com:1636"}, cfg.Servers)
		assert.True(t, cfg.UseSSL)
		assert.False(t, cfg.Enabled)
	})

	failures := map[string]*Descriptor{
		"nil descriptor":       nil,
		"unsupported type":     {Type: "saml"},
		"legacy too few":       {Type: "ldap", Fields: []Field{{Name: "host", Values: []string{"h"}}}},
		"legacy empty values":  {Type: "ldap", Fields: []Field{{Values: []string{"h"}}, {Values: []string{""}}, {}, {Values: []string{"p"}}, {Values: []string{"false"}}}},
		"modern empty config":  {Type: "auth"},
		"modern null config":   {Type: "auth", Config: []byte("null")},
		"modern bad servers":   {Type: "auth", Config: []byte(`{"servers":[42]}`)},
		"modern bad string":    {Type: "auth", Config: []byte(`"{not json}"`)},
		"modern wrong payload": {Type: "auth", Config: []byte(`[1,2]`)},
	}

	for name, d := range failures {
		t.Run(name, func(t *testing.T) {
			_, err := MapDescriptor(d)
			require.Error(t, err)
			var mappingErr *MappingError
			assert.ErrorAs(t, err, &mappingErr)
		})
	}
}

func TestLoader_LoadAll(t *testing.T) {
	t.Run("preserves order and drops failures", func(t *testing.T) {
		dir := applianceWith(
			legacy,
			`{"type":"auth","enabled":true}`,
			modernObject,
			`{"type":"ldap","fields":[]}`,
			modernString,
		)

		configs, err := NewLoader(dir, testBaseDN, testInum).LoadAll(t.Context())
		require.NoError(t, err)
		require.Len(t, configs, 3)
		assert.Equal(t, "auth_ldap_server", configs[0].ConfigID)
		assert.Equal(t, "corp", configs[1].ConfigID)
		assert.Equal(t, "lab", configs[2].ConfigID)
	})

	t.Run("never exceeds descriptor count", func(t *testing.T) {
		values := []string{modernObject, `{"type":"oauth"}`, `[]`, legacy}
		dir := applianceWith(values...)

		configs, err := NewLoader(dir, testBaseDN, testInum).LoadAll(t.Context())
		require.NoError(t, err)
		assert.LessOrEqual(t, len(configs), len(values))
		assert.Len(t, configs, 2)
	})

	t.Run("empty result is an empty slice", func(t *testing.T) {
		configs, err := NewLoader(&fakeDirectory{}, testBaseDN, testInum).LoadAll(t.Context())
		require.NoError(t, err)
		assert.NotNil(t, configs)
		assert.Empty(t, configs)
	})

	t.Run("directory failure fails the load", func(t *testing.T) {
		dir := &fakeDirectory{err: errors.New("connection reset by peer")}
		_, err := NewLoader(dir, testBaseDN, testInum).LoadAll(t.Context())
		assert.Error(t, err)
	})
}

func TestMappingError(t *testing.T) {
	cause := errors.New("boom")
	err := &MappingError{Index: 2, Type: "auth", Reason: "config is not a valid auth source", Err: cause}

	assert.Equal(t, `auth source 2 (type "auth"): config is not a valid auth source: boom`, err.Error())
	assert.ErrorIs(t, err, cause)

	err = &MappingError{Index: -1, Type: "ldap", Reason: "legacy descriptor needs 5 fields"}
	assert.Equal(t, `auth source (type "ldap"): legacy descriptor needs 5 fields`, err.Error())
}
