package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EncodingVersion is the version tag written into every canonical value.
const EncodingVersion = 1

// LegacyVersion marks a value that was read through the compatibility path.
const LegacyVersion = 0

// ErrMalformedValue is returned when a stored value cannot be decoded by either
// the canonical or the legacy reader.
var ErrMalformedValue = errors.New("malformed stored value")

// legacyTimeLayouts are the timestamp shapes written by the legacy deployment
// (naive ISO-8601 without zone) in addition to RFC 3339.
var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ClientBinding is the durable association between a client and its tenant.
// An empty TenantID means the tenant could not be resolved when the binding was written.
type ClientBinding struct {
	ClientID     string
	TenantID     string
	RefreshToken string
	UpdatedAt    time.Time

	// RefreshTokenEncrypted reports whether RefreshToken holds ciphertext.
	RefreshTokenEncrypted bool

	// Version is EncodingVersion for canonical records and LegacyVersion otherwise.
	Version int
}

// IsLegacy reports whether the binding was decoded from a legacy encoding.
func (b *ClientBinding) IsLegacy() bool {
	return b.Version == LegacyVersion
}

// tenantValueJSON is the canonical encoding of a transient tenant correlation.
type tenantValueJSON struct {
	V        int    `json:"v"`
	TenantID string `json:"tenant_id"`
}

// clientBindingJSON is the canonical encoding of a client binding.
type clientBindingJSON struct {
	V                     int    `json:"v"`
	TenantID              string `json:"tenant_id"`
	RefreshToken          string `json:"refresh_token,omitempty"`
	RefreshTokenEncrypted bool   `json:"refresh_token_encrypted,omitempty"`
	UpdatedAt             string `json:"updated_at"`
}

// legacyRecordJSON covers the structured legacy shapes. Tenant ids may be
// numbers or strings, and refresh_token may be null.
type legacyRecordJSON struct {
	TenantID     json.RawMessage `json:"tenant_id"`
	RealmID      json.RawMessage `json:"realm_id"`
	RefreshToken *string         `json:"refresh_token"`
	UpdatedAt    string          `json:"updated_at"`
}

// EncodeTenant returns the canonical encoding of a tenant id.
func EncodeTenant(tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id cannot be empty")
	}
	return json.Marshal(tenantValueJSON{V: EncodingVersion, TenantID: tenantID})
}

// DecodeTenant decodes a tenant id written by EncodeTenant or by the legacy writer.
func DecodeTenant(data []byte) (string, error) {
	if version, ok := canonicalVersion(data); ok {
		if version > EncodingVersion {
			return "", fmt.Errorf("%w: unsupported version %d", ErrMalformedValue, version)
		}
		var j tenantValueJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedValue, err)
		}
		if j.TenantID == "" {
			return "", fmt.Errorf("%w: empty tenant id", ErrMalformedValue)
		}
		return j.TenantID, nil
	}

	rec, err := decodeLegacy(data)
	if err != nil {
		return "", err
	}
	return rec.TenantID, nil
}

// EncodeBinding returns the canonical encoding of b. ClientID is carried by the key.
func EncodeBinding(b *ClientBinding) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("binding cannot be nil")
	}
	updatedAt := b.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	return json.Marshal(clientBindingJSON{
		V:                     EncodingVersion,
		TenantID:              b.TenantID,
		RefreshToken:          b.RefreshToken,
		RefreshTokenEncrypted: b.RefreshTokenEncrypted,
		UpdatedAt:             updatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// DecodeBinding decodes a client binding. Canonical records carry a "v" tag;
// anything else goes through the legacy reader.
func DecodeBinding(clientID string, data []byte) (*ClientBinding, error) {
	if version, ok := canonicalVersion(data); ok {
		if version > EncodingVersion {
			return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedValue, version)
		}
		var j clientBindingJSON
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedValue, err)
		}
		return &ClientBinding{
			ClientID:              clientID,
			TenantID:              j.TenantID,
			RefreshToken:          j.RefreshToken,
			RefreshTokenEncrypted: j.RefreshTokenEncrypted,
			UpdatedAt:             parseTime(j.UpdatedAt),
			Version:               version,
		}, nil
	}

	b, err := decodeLegacy(data)
	if err != nil {
		return nil, err
	}
	b.ClientID = clientID
	return b, nil
}

// canonicalVersion returns the "v" tag when data is a JSON object carrying one.
func canonicalVersion(data []byte) (int, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return 0, false
	}
	var probe struct {
		V *int `json:"v"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil || probe.V == nil || *probe.V < 1 {
		return 0, false
	}
	return *probe.V, true
}

// decodeLegacy is the compatibility read path. It accepts:
//   - a bare scalar that is not JSON ("123")
//   - a JSON scalar (123 or "123")
//   - an object with tenant_id or realm_id, optionally refresh_token and updated_at
func decodeLegacy(data []byte) (*ClientBinding, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: empty value", ErrMalformedValue)
	}

	if trimmed[0] == '{' {
		var j legacyRecordJSON
		if err := json.Unmarshal(trimmed, &j); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedValue, err)
		}
		tenantID := scalarString(j.TenantID)
		if tenantID == "" {
			tenantID = scalarString(j.RealmID)
		}
		b := &ClientBinding{
			TenantID:  tenantID,
			UpdatedAt: parseTime(j.UpdatedAt),
			Version:   LegacyVersion,
		}
		if j.RefreshToken != nil {
			b.RefreshToken = *j.RefreshToken
		}
		return b, nil
	}

	if s := scalarString(trimmed); s != "" {
		return &ClientBinding{TenantID: s, Version: LegacyVersion}, nil
	}

	// Not JSON at all: the oldest writer stored the raw id.
	return &ClientBinding{TenantID: string(trimmed), Version: LegacyVersion}, nil
}

// scalarString renders a JSON string or number as a string. Anything else yields "".
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
