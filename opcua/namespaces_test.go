package opcua

import (
	"context"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveNamespaces(t *testing.T) {
	tests := []struct {
		name    string
		res     *ua.ReadResponse
		readErr error
		want    Namespaces
		wantErr string
	}{
		{
			name: "ok",
			res:  namespaceResponse("http://opcfoundation.org/UA/", "urn:plc", "ns1"),
			want: Namespaces{"http://opcfoundation.org/UA/": 0, "urn:plc": 1, "ns1": 2},
		},
		{
			name: "variant members",
			res: &ua.ReadResponse{Results: []*ua.DataValue{{
				Value: ua.MustVariant([]*ua.Variant{ua.MustVariant("a"), ua.MustVariant("b")}),
			}}},
			want: Namespaces{"a": 0, "b": 1},
		},
		{name: "read error", readErr: assert.AnError, wantErr: "error reading namespace array"},
		{name: "empty result", res: &ua.ReadResponse{}, wantErr: "missing namespace array"},
		{
			name:    "no value",
			res:     &ua.ReadResponse{Results: []*ua.DataValue{{Status: ua.StatusBadNodeIDUnknown}}},
			wantErr: "has no value",
		},
		{
			name:    "not an array",
			res:     &ua.ReadResponse{Results: []*ua.DataValue{{Value: ua.MustVariant("ns1")}}},
			wantErr: "expected an array of strings",
		},
		{
			name:    "empty array",
			res:     &ua.ReadResponse{Results: []*ua.DataValue{{Value: ua.MustVariant([]string{})}}},
			wantErr: "empty namespace array",
		},
		{
			name: "member not a string",
			res: &ua.ReadResponse{Results: []*ua.DataValue{{
				Value: ua.MustVariant([]*ua.Variant{ua.MustVariant("a"), ua.MustVariant(int32(1))}),
			}}},
			wantErr: "member 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeClient()
			c.readRes, c.readErr = tt.res, tt.readErr
			ns, err := ResolveNamespaces(context.Background(), NewGuarded(c, 50*time.Millisecond))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ns)
		})
	}
}

func TestResolveNamespaces_LockTimeout(t *testing.T) {
	g := NewGuarded(newFakeClient(), 10*time.Millisecond)
	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = g.Exclusive(context.Background(), func(Client) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	defer close(release)

	_, err := ResolveNamespaces(context.Background(), g)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestNamespacesIndex(t *testing.T) {
	ns := Namespaces{"ns1": 2}
	i, err := ns.Index("ns1")
	require.NoError(t, err)
	assert.Equal(t, uint16(2), i)

	_, err = ns.Index("missing")
	assert.ErrorIs(t, err, ErrNamespaceNotFound)
}
