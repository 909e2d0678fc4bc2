package opcua

import (
	"context"
	"errors"
	"fmt"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"opcuaproxy/logging"
)

// ErrNamespaceNotFound is returned when a configured namespace URI is not
// in the server's namespace table.
var ErrNamespaceNotFound = errors.New("namespace not found")

// Namespaces maps a namespace URI to its index on one server.
type Namespaces map[string]uint16

// Index returns the index of uri.
func (n Namespaces) Index(uri string) (uint16, error) {
	i, ok := n[uri]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNamespaceNotFound, uri)
	}
	return i, nil
}

// ResolveNamespaces reads the server namespace array. Each URI maps to its
// position in the array.
func ResolveNamespaces(ctx context.Context, g *Guarded) (Namespaces, error) {
	req := &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{{
			NodeID:      ua.NewNumericNodeID(0, id.Server_NamespaceArray),
			AttributeID: ua.AttributeIDValue,
		}},
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	}

	var res *ua.ReadResponse
	err := g.Shared(ctx, func(c Client) error {
		var err error
		res, err = c.Read(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("error reading namespace array: %w", err)
	}
	if res == nil || len(res.Results) == 0 {
		return nil, errors.New("missing namespace array")
	}

	dv := res.Results[0]
	if dv == nil || dv.Value == nil {
		status := ua.StatusBad
		if dv != nil {
			status = dv.Status
		}
		return nil, fmt.Errorf("namespace array has no value: %w", status)
	}

	uris, err := stringArray(dv.Value)
	if err != nil {
		return nil, err
	}
	if len(uris) == 0 {
		return nil, errors.New("empty namespace array")
	}

	ns := make(Namespaces, len(uris))
	for i, uri := range uris {
		ns[uri] = uint16(i)
	}
	logging.DebugLog("session", "resolved %d namespace(s)", len(ns))
	return ns, nil
}

func stringArray(v *ua.Variant) ([]string, error) {
	switch x := v.Value().(type) {
	case []string:
		return x, nil
	case []*ua.Variant:
		out := make([]string, len(x))
		for i, m := range x {
			var s string
			ok := false
			if m != nil {
				s, ok = m.Value().(string)
			}
			if !ok {
				return nil, fmt.Errorf("bad namespace array member %d (expected a string)", i)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("bad namespace array type %T (expected an array of strings)", x)
	}
}
