package authsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/tidwall/gjson"

	"github.com/isometry/authsourced/internal/ldap"
)

// EntryReader reads a single directory entry. It returns (nil, nil) when the
// entry does not exist.
type EntryReader interface {
	FindEntry(ctx context.Context, dn string, attributes []string) (*goldap.Entry, error)
}

// Decrypter decrypts a single at-rest secret.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// Loader reads auxiliary authentication source definitions from the appliance entry.
type Loader struct {
	reader          EntryReader
	decrypter       Decrypter
	applianceBaseDN string
	applianceInum   string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithDecrypter sets the decrypter used for the SMTP password.
func WithDecrypter(d Decrypter) LoaderOption {
	return func(l *Loader) {
		l.decrypter = d
	}
}

// NewLoader creates a loader for the appliance inum=<applianceInum>,<applianceBaseDN>.
func NewLoader(reader EntryReader, applianceBaseDN, applianceInum string, opts ...LoaderOption) *Loader {
	l := &Loader{
		reader:          reader,
		applianceBaseDN: strings.TrimSpace(applianceBaseDN),
		applianceInum:   strings.TrimSpace(applianceInum),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ApplianceDN returns the appliance entry DN, or "" when the base DN or inum is unset.
func (l *Loader) ApplianceDN() (string, error) {
	if l.applianceBaseDN == "" || l.applianceInum == "" {
		return "", nil
	}
	return ldap.ChildDN("inum", l.applianceInum, l.applianceBaseDN)
}

// readAppliance returns the values of attr on the appliance entry. A missing
// entry or attribute yields no values and no error.
func (l *Loader) readAppliance(ctx context.Context, attr string) ([]string, error) {
	dn, err := l.ApplianceDN()
	if err != nil {
		return nil, fmt.Errorf("invalid appliance DN: %w", err)
	}
	if dn == "" {
		tflog.SubsystemDebug(ctx, "authsource", "Appliance base DN or inum not configured")
		return nil, nil
	}

	var entry *goldap.Entry
	err = ldap.LogOperation(ctx, "authsource", "read_appliance", map[string]any{
		"dn":        dn,
		"attribute": attr,
	}, func() error {
		var findErr error
		entry, findErr = l.reader.FindEntry(ctx, dn, []string{attr})
		return findErr
	})
	if err != nil {
		if ldap.IsNotFoundError(err) {
			entry = nil
		} else {
			return nil, fmt.Errorf("failed to load appliance entry %s: %w", dn, err)
		}
	}

	if entry == nil {
		tflog.SubsystemWarn(ctx, "authsource", "Appliance entry not found", map[string]any{
			"dn": dn,
		})
		return nil, nil
	}

	return entry.GetAttributeValues(attr), nil
}

// LoadDescriptors reads and decodes the appliance's auth source descriptors.
// Values that fail to decode, or whose type is neither "ldap" nor "auth", are
// logged and skipped.
func (l *Loader) LoadDescriptors(ctx context.Context) ([]Descriptor, error) {
	values, err := l.readAppliance(ctx, AttrIDPAuthentication)
	if err != nil {
		return nil, err
	}

	descriptors := make([]Descriptor, 0, len(values))
	for i, value := range values {
		d, err := decodeDescriptor(value)
		if err != nil {
			tflog.SubsystemError(ctx, "authsource", "Failed to decode auth source descriptor", map[string]any{
				"index": i,
				"error": err.Error(),
			})
			continue
		}
		if d == nil {
			tflog.SubsystemDebug(ctx, "authsource", "Skipping non-directory auth source descriptor", map[string]any{
				"index": i,
				"type":  gjson.Get(value, "type").String(),
			})
			continue
		}
		descriptors = append(descriptors, *d)
	}

	return descriptors, nil
}

// decodeDescriptor decodes value. It returns (nil, nil) for well-formed
// descriptors of a type this service does not handle.
func decodeDescriptor(value string) (*Descriptor, error) {
	if !gjson.Valid(value) {
		return nil, errors.New("invalid JSON")
	}

	kind := gjson.Get(value, "type")
	if kind.Type != gjson.String {
		return nil, errors.New("descriptor type is missing or not a string")
	}
	if !typeMatches(kind.String(), TypeLDAP) && !typeMatches(kind.String(), TypeAuth) {
		return nil, nil
	}

	var d Descriptor
	if err := json.Unmarshal([]byte(value), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// MapDescriptor converts a descriptor into an LdapAuthConfig. Failures are
// reported as *MappingError.
func MapDescriptor(d *Descriptor) (*LdapAuthConfig, error) {
	if d == nil {
		return nil, &MappingError{Index: -1, Reason: "descriptor is nil"}
	}

	switch {
	case d.IsType(TypeLDAP):
		return mapLegacy(d)
	case d.IsType(TypeAuth):
		return mapConfig(d)
	default:
		return nil, &MappingError{Index: -1, Type: d.Type, Reason: "unsupported descriptor type"}
	}
}

// mapConfig decodes the config payload. The payload is either a JSON object or
// a JSON string holding one.
func mapConfig(d *Descriptor) (*LdapAuthConfig, error) {
	payload := []byte(strings.TrimSpace(string(d.Config)))
	if len(payload) == 0 || string(payload) == "null" {
		return nil, &MappingError{Index: -1, Type: d.Type, Reason: "config is empty"}
	}

	if payload[0] == '"' {
		var embedded string
		if err := json.Unmarshal(payload, &embedded); err != nil {
			return nil, &MappingError{Index: -1, Type: d.Type, Reason: "config is not a valid JSON string", Err: err}
		}
		payload = []byte(embedded)
	}

	var cfg LdapAuthConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, &MappingError{Index: -1, Type: d.Type, Reason: "config is not a valid auth source", Err: err}
	}

	return &cfg, nil
}

// LoadAll returns the mapped configurations in attribute order. Descriptors
// that fail to decode or map are logged and dropped.
func (l *Loader) LoadAll(ctx context.Context) ([]LdapAuthConfig, error) {
	descriptors, err := l.LoadDescriptors(ctx)
	if err != nil {
		return nil, err
	}

	configs := make([]LdapAuthConfig, 0, len(descriptors))
	for i := range descriptors {
		cfg, err := MapDescriptor(&descriptors[i])
		if err != nil {
			var mappingErr *MappingError
			if errors.As(err, &mappingErr) {
				mappingErr.Index = i
			}
			tflog.SubsystemError(ctx, "authsource", "Failed to map auth source descriptor", map[string]any{
				"index": i,
				"type":  descriptors[i].Type,
				"error": err.Error(),
			})
			continue
		}
		configs = append(configs, *cfg)
	}

	tflog.SubsystemDebug(ctx, "authsource", "Loaded auth sources", map[string]any{
		"descriptors": len(descriptors),
		"configs":     len(configs),
	})

	return configs, nil
}
