package ldap

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Client provides the directory reads this service needs.
type Client interface {
	// Search runs a search on a pooled connection.
	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)

	// FindEntry reads a single entry by DN. It returns (nil, nil) when the entry does not exist.
	FindEntry(ctx context.Context, dn string, attributes []string) (*ldap.Entry, error)

	// Ping tests connectivity to the LDAP server.
	Ping(ctx context.Context) error
}

// connectionSource hands out pooled connections.
type connectionSource interface {
	Get(ctx context.Context) (*PooledConnection, error)
}

// RetryConfig controls operation retries.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig mirrors the pool defaults.
func DefaultRetryConfig() RetryConfig {
	config := DefaultConfig()
	return RetryConfig{
		MaxRetries:     config.MaxRetries,
		InitialBackoff: config.InitialBackoff,
		MaxBackoff:     config.MaxBackoff,
		BackoffFactor:  config.BackoffFactor,
	}
}

// client implements the Client interface.
type client struct {
	pool  connectionSource
	retry RetryConfig
}

// NewClient creates a client that checks connections out of pool.
func NewClient(pool *Pool) Client {
	return newClient(pool, DefaultRetryConfig())
}

func newClient(pool connectionSource, retry RetryConfig) *client {
	return &client{
		pool:  pool,
		retry: retry,
	}
}

// Search performs an LDAP search.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	start := time.Now()
	fields := map[string]any{
		"base_dn": req.BaseDN,
		"filter":  req.Filter,
		"scope":   int(req.Scope),
	}

	conn, err := c.pool.Get(ctx)
	if err != nil {
		LogLDAPError(ctx, "ldap", "get_connection", err, fields)
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ldapReq := ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		ldap.NeverDerefAliases,
		req.SizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		nil,
	)

	var result *ldap.SearchResult
	err = c.withRetry(ctx, func() error {
		var searchErr error
		result, searchErr = conn.Conn().Search(ldapReq)
		return searchErr
	})

	LogPerformance(ctx, "ldap", "search", time.Since(start), fields)

	if err != nil {
		return nil, NewLDAPError("search", err)
	}

	return &SearchResult{
		Entries: result.Entries,
		Total:   len(result.Entries),
	}, nil
}

// FindEntry reads the entry at dn with a base-object search.
func (c *client) FindEntry(ctx context.Context, dn string, attributes []string) (*ldap.Entry, error) {
	if dn == "" {
		return nil, fmt.Errorf("DN cannot be empty")
	}

	result, err := c.Search(ctx, &SearchRequest{
		BaseDN:     dn,
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: attributes,
		SizeLimit:  1,
	})
	if err != nil {
		if IsNotFoundError(err) {
			tflog.SubsystemDebug(ctx, "ldap", "Entry not found", map[string]any{
				"dn": dn,
			})
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read entry %s: %w", dn, err)
	}

	if len(result.Entries) == 0 {
		return nil, nil
	}

	return result.Entries[0], nil
}

// Ping tests connectivity to the LDAP server.
func (c *client) Ping(ctx context.Context) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	searchReq := ldap.NewSearchRequest(
		"", // Empty base DN for root DSE
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 5, false, // Size limit 1, time limit 5 seconds
		"(objectClass=*)",
		[]string{"namingContexts"},
		nil,
	)

	_, err = conn.Conn().Search(searchReq)
	return err
}

// withRetry executes an operation with retry logic.
func (c *client) withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := c.retry.InitialBackoff

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(ctx, "ldap", "Retrying operation", map[string]any{
				"attempt":    attempt,
				"max_retry":  c.retry.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if !c.isRetryableError(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == c.retry.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.retry.BackoffFactor), c.retry.MaxBackoff)
		}
	}

	tflog.SubsystemError(ctx, "ldap", "Operation failed after all retries exhausted", map[string]any{
		"total_attempts": c.retry.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})

	return NewConnectionError("operation failed after retries", false, lastErr)
}

// isRetryableError determines if an error should be retried.
func (c *client) isRetryableError(err error) bool {
	return IsRetryableError(err)
}
