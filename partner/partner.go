// Package partner models the per-tenant configuration records served by the
// configuration API: connection parameters and the tag groups to monitor.
package partner

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/gopcua/opcua/ua"
)

// GroupType discriminates the two kinds of tag configuration group.
type GroupType string

const (
	// GroupTag is a single named node.
	GroupTag GroupType = "tag"
	// GroupContainer is a node whose variable children are browsed at
	// session start and monitored under their display names.
	GroupContainer GroupType = "container"
)

// Config is one partner record as returned by the configuration API.
//
// Configs are immutable once fetched. Two configs with equal Fingerprint are
// the same desired session; any difference, even in the tag list, means the
// running session must be replaced.
type Config struct {
	PartnerID      string           `json:"_id"`
	ServerURL      string           `json:"serverUrl"`
	SecurityPolicy string           `json:"securityPolicy"`
	SecurityMode   string           `json:"securityMode"`
	User           string           `json:"user,omitempty"`
	Password       string           `json:"password,omitempty"`
	Tags           []TagConfigGroup `json:"tags"`
}

// TagConfigGroup is either a direct tag (Type == GroupTag, Name set) or a
// container to expand by browsing (Type == GroupContainer).
type TagConfigGroup struct {
	Type           GroupType      `json:"type"`
	Name           string         `json:"name,omitempty"`
	NamespaceURI   string         `json:"namespaceUri"`
	NodeIdentifier NodeIdentifier `json:"nodeIdentifier"`
}

// HasCredentials reports whether username authentication is configured.
func (c *Config) HasCredentials() bool {
	return c.User != ""
}

// Fingerprint returns a hash of the full record. It is the identity used to
// compare desired and running sessions.
func (c *Config) Fingerprint() uint64 {
	// Marshal of a plain struct is deterministic; it cannot fail for this type.
	b, _ := json.Marshal(c)
	return xxhash.Sum64(b)
}

// Validate checks a single record.
func (c *Config) Validate() error {
	if c.PartnerID == "" {
		return errors.New("missing _id")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("partner %s: missing serverUrl", c.PartnerID)
	}
	if c.Password != "" && c.User == "" {
		return fmt.Errorf("partner %s: password without user", c.PartnerID)
	}
	for i, g := range c.Tags {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("partner %s: tags[%d]: %w", c.PartnerID, i, err)
		}
	}
	return nil
}

// Validate checks a single tag group.
func (g *TagConfigGroup) Validate() error {
	switch g.Type {
	case GroupTag:
		if g.Name == "" {
			return errors.New("tag without name")
		}
	case GroupContainer:
	default:
		return fmt.Errorf("unknown group type %q", g.Type)
	}
	if g.NamespaceURI == "" {
		return errors.New("missing namespaceUri")
	}
	if !g.NodeIdentifier.IsValid() {
		return errors.New("missing nodeIdentifier")
	}
	return nil
}

// ValidateAll checks every record and rejects duplicate partner IDs.
func ValidateAll(cfgs []*Config) error {
	seen := make(map[string]bool, len(cfgs))
	for i, c := range cfgs {
		if c == nil {
			return fmt.Errorf("records[%d]: null partner", i)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.PartnerID] {
			return fmt.Errorf("duplicate partner %s", c.PartnerID)
		}
		seen[c.PartnerID] = true
	}
	return nil
}

// NodeIdentifier is the identifier part of a node address: a uint32 or a
// string. JSON numbers decode to the numeric form, JSON strings to the
// string form.
type NodeIdentifier struct {
	kind    ua.IDType
	numeric uint32
	str     string
	set     bool
}

// NumericID returns a numeric identifier.
func NumericID(n uint32) NodeIdentifier {
	return NodeIdentifier{kind: ua.IDTypeNumeric, numeric: n, set: true}
}

// StringID returns a string identifier.
func StringID(s string) NodeIdentifier {
	return NodeIdentifier{kind: ua.IDTypeString, str: s, set: true}
}

// IsValid reports whether the identifier was set.
func (n NodeIdentifier) IsValid() bool {
	return n.set
}

// NodeID builds the node address in namespace ns.
func (n NodeIdentifier) NodeID(ns uint16) *ua.NodeID {
	if n.kind == ua.IDTypeString {
		return ua.NewStringNodeID(ns, n.str)
	}
	return ua.NewNumericNodeID(ns, n.numeric)
}

func (n NodeIdentifier) String() string {
	if !n.set {
		return "!invalid!"
	}
	if n.kind == ua.IDTypeString {
		return n.str
	}
	return strconv.FormatUint(uint64(n.numeric), 10)
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *NodeIdentifier) UnmarshalJSON(b []byte) error {
	var u interface{}
	if err := json.Unmarshal(b, &u); err != nil {
		return err
	}

	switch v := u.(type) {
	case string:
		*n = StringID(v)
	case float64:
		if i, f := math.Modf(v); f != 0 || i < 0 || i > math.MaxUint32 {
			return fmt.Errorf("node identifier %v is not a uint32", v)
		}
		*n = NumericID(uint32(v))
	default:
		return fmt.Errorf("unsupported node identifier type %T", u)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n NodeIdentifier) MarshalJSON() ([]byte, error) {
	if !n.set {
		return []byte("null"), nil
	}
	if n.kind == ua.IDTypeString {
		return json.Marshal(n.str)
	}
	return json.Marshal(n.numeric)
}
