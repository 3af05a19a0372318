/*
Package ldap provides directory connection pools and the reads built on them.

# Pools

A Factory turns ConnectionProperties into a Pool. Creation never returns an
error: the Pool records its status (ok, inappropriate_authentication or
failed), the LDAP result code when the server sent one, and the cause.

  - CreatePool builds one pool from the properties as given
  - CreateBindPool first tries an anonymous pool and falls back to the
    credentialed properties only when the server rejects the anonymous bind
    with inappropriateAuthentication
  - CreatePoolPair builds the lookup pool and the bind pool together

Bind passwords arrive encrypted; the Factory decrypts them through a
PropertiesDecrypter before any connection is made.

# Connections

Connection pools try the configured servers in order, retry dials with
exponential backoff and, when a health check interval is set, discard dead
idle connections in the background. A rejected bind is never retried.

# Error Handling

Directory failures are reported as LDAPError values carrying a category and,
where available, the LDAP result code. ResultCodeOf extracts the code from any
wrapped error.

# Example Usage

	factory := ldap.NewFactory(decrypter)
	pair := factory.CreatePoolPair(ctx, ldap.NewConnectionProperties(map[string]string{
		ldap.PropServers:      "ldap1.example.com:1636,ldap2.example.com:1636",
		ldap.PropUseSSL:       "true",
		ldap.PropBindDN:       "cn=directory manager,o=gluu",
		ldap.PropBindPassword: encrypted,
	}))
	if !pair.OK() {
		return errors.Join(pair.Lookup.Err(), pair.Bind.Err())
	}

	entry, err := ldap.NewClient(pair.Lookup).FindEntry(ctx, applianceDN, []string{"oxIDPAuthentication"})
*/
package ldap
