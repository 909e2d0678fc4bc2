package opcua

import (
	"context"
	"sync"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"opcuaproxy/partner"
)

type fakeSubscription struct {
	mu        sync.Mutex
	params    *opcua.SubscriptionParameters
	ch        chan<- *opcua.PublishNotificationData
	items     []*ua.MonitoredItemCreateRequest
	status    func(i int) ua.StatusCode
	err       error
	cancelled bool
}

func (s *fakeSubscription) Monitor(_ context.Context, _ ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.items = append(s.items, items...)
	res := &ua.CreateMonitoredItemsResponse{}
	for i := range items {
		st := ua.StatusOK
		if s.status != nil {
			st = s.status(i)
		}
		res.Results = append(res.Results, &ua.MonitoredItemCreateResult{StatusCode: st, MonitoredItemID: uint32(i + 100)})
	}
	return res, nil
}

func (s *fakeSubscription) Cancel(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return nil
}

func (s *fakeSubscription) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

type fakeClient struct {
	mu sync.Mutex

	readRes *ua.ReadResponse
	readErr error

	browse    map[string]*ua.BrowseResponse
	browseErr error

	subscribeErr  error
	monitorErr    error
	monitorStatus func(i int) ua.StatusCode
	subs          []*fakeSubscription

	state  opcua.ConnState
	closed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		readRes: namespaceResponse("http://opcfoundation.org/UA/", "ns1"),
		browse:  map[string]*ua.BrowseResponse{},
		state:   opcua.Connected,
	}
}

func (c *fakeClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) State() opcua.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeClient) setState(st opcua.ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = st
}

func (c *fakeClient) Read(context.Context, *ua.ReadRequest) (*ua.ReadResponse, error) {
	return c.readRes, c.readErr
}

func (c *fakeClient) Browse(_ context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
	if c.browseErr != nil {
		return nil, c.browseErr
	}
	return c.browse[req.NodesToBrowse[0].NodeID.String()], nil
}

func (c *fakeClient) Subscribe(_ context.Context, params *opcua.SubscriptionParameters, ch chan<- *opcua.PublishNotificationData) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	s := &fakeSubscription{params: params, ch: ch, err: c.monitorErr, status: c.monitorStatus}
	c.subs = append(c.subs, s)
	return s, nil
}

func (c *fakeClient) sub(i int) *fakeSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[i]
}

type fakeDialer struct {
	client *fakeClient
	err    error
}

func (d *fakeDialer) Dial(context.Context, *partner.Config) (Client, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.client, nil
}

func namespaceResponse(uris ...string) *ua.ReadResponse {
	return &ua.ReadResponse{Results: []*ua.DataValue{{
		EncodingMask: ua.DataValueValue,
		Value:        ua.MustVariant(uris),
	}}}
}

func reference(name string, nodeID *ua.NodeID, refType uint32, class ua.NodeClass) *ua.ReferenceDescription {
	return &ua.ReferenceDescription{
		ReferenceTypeID: ua.NewNumericNodeID(0, refType),
		IsForward:       true,
		NodeID:          &ua.ExpandedNodeID{NodeID: nodeID},
		BrowseName:      &ua.QualifiedName{NamespaceIndex: nodeID.Namespace(), Name: name},
		DisplayName:     &ua.LocalizedText{Text: name},
		NodeClass:       class,
	}
}

func browseResponse(status ua.StatusCode, cp []byte, refs ...*ua.ReferenceDescription) *ua.BrowseResponse {
	return &ua.BrowseResponse{Results: []*ua.BrowseResult{{
		StatusCode:        status,
		ContinuationPoint: cp,
		References:        refs,
	}}}
}
