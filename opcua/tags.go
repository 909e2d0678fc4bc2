package opcua

import (
	"context"
	"errors"
	"fmt"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"opcuaproxy/logging"
	"opcuaproxy/partner"
)

// ErrContinuationPoint is returned when a container browse is paginated.
// Following continuation points is not supported, and resolution fails
// rather than monitor a truncated tag list.
var ErrContinuationPoint = errors.New("browse returned a continuation point")

// ResolvedTag is a monitored tag. Its position in the resolved list fixes
// its monitored item client handle (index + 1).
type ResolvedTag struct {
	Name   string
	NodeID *ua.NodeID
}

// childReferenceTypes are the reference kinds accepted below a container.
var childReferenceTypes = map[uint32]bool{
	id.HasComponent: true,
	id.Organizes:    true,
}

// ResolveTags expands the configured groups into a flat tag list. Output
// follows group order, and within a container the browse response order.
func ResolveTags(ctx context.Context, groups []partner.TagConfigGroup, ns Namespaces, g *Guarded) ([]ResolvedTag, error) {
	var tags []ResolvedTag
	for i, group := range groups {
		idx, err := ns.Index(group.NamespaceURI)
		if err != nil {
			return nil, fmt.Errorf("tags[%d]: %w", i, err)
		}
		nodeID := group.NodeIdentifier.NodeID(idx)

		switch group.Type {
		case partner.GroupTag:
			tags = append(tags, ResolvedTag{Name: group.Name, NodeID: nodeID})
		case partner.GroupContainer:
			children, err := browseVariables(ctx, g, nodeID)
			if err != nil {
				return nil, fmt.Errorf("tags[%d]: container %s: %w", i, nodeID, err)
			}
			tags = append(tags, children...)
		default:
			return nil, fmt.Errorf("tags[%d]: unknown group type %q", i, group.Type)
		}
	}
	return tags, nil
}

func browseVariables(ctx context.Context, g *Guarded, nodeID *ua.NodeID) ([]ResolvedTag, error) {
	req := &ua.BrowseRequest{
		View: &ua.ViewDescription{ViewID: ua.NewTwoByteNodeID(0)},
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          nodeID,
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
			IncludeSubtypes: true,
			NodeClassMask:   uint32(ua.NodeClassVariable),
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	}

	var res *ua.BrowseResponse
	err := g.Shared(ctx, func(c Client) error {
		var err error
		res, err = c.Browse(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	if res == nil || len(res.Results) == 0 || res.Results[0] == nil {
		return nil, errors.New("empty browse results")
	}

	br := res.Results[0]
	if br.StatusCode != ua.StatusOK {
		return nil, fmt.Errorf("browse result: %w", br.StatusCode)
	}
	if len(br.ContinuationPoint) > 0 {
		return nil, ErrContinuationPoint
	}
	if len(br.References) == 0 {
		return nil, errors.New("node has no forward reference")
	}

	tags := make([]ResolvedTag, 0, len(br.References))
	for _, ref := range br.References {
		if !isVariableChild(ref) {
			continue
		}
		tags = append(tags, ResolvedTag{Name: referenceName(ref), NodeID: ref.NodeID.NodeID})
	}
	logging.DebugLog("browse", "%s: %d reference(s), %d variable(s)", nodeID, len(br.References), len(tags))
	return tags, nil
}

func isVariableChild(ref *ua.ReferenceDescription) bool {
	if ref == nil || ref.NodeID == nil || ref.NodeID.NodeID == nil {
		return false
	}
	if ref.NodeClass != ua.NodeClassVariable {
		return false
	}
	rt := ref.ReferenceTypeID
	return rt != nil && rt.Namespace() == 0 && childReferenceTypes[rt.IntID()]
}

func referenceName(ref *ua.ReferenceDescription) string {
	if ref.DisplayName != nil && ref.DisplayName.Text != "" {
		return ref.DisplayName.Text
	}
	if ref.BrowseName != nil {
		return ref.BrowseName.Name
	}
	return ref.NodeID.NodeID.String()
}
