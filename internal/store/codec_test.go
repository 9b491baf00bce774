package store

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindIndexSnapshotCBORRoundTrip(t *testing.T) {
	in := KindIndexSnapshot{
		deploymentGVK(): {
			"default/web": 1234,
			"default/api": 5678,
		},
	}

	data, err := cbor.Marshal(in)
	require.NoError(t, err)

	var out KindIndexSnapshot
	require.NoError(t, cbor.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestPodLifecycleSnapshotCBORRoundTrip(t *testing.T) {
	end := int64(200)
	key := OwnerKey{GVK: deploymentGVK(), NSName: "default/web"}
	in := PodLifecycleSnapshot{
		key: {
			42: {
				{StartTS: 100, EndTS: &end},
				{StartTS: 210, EndTS: nil},
			},
		},
	}

	data, err := cbor.Marshal(in)
	require.NoError(t, err)

	var out PodLifecycleSnapshot
	require.NoError(t, cbor.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestKindIndexSnapshotCBOREmpty(t *testing.T) {
	in := KindIndexSnapshot{}
	data, err := cbor.Marshal(in)
	require.NoError(t, err)

	var out KindIndexSnapshot
	require.NoError(t, cbor.Unmarshal(data, &out))
	assert.Empty(t, out)
}
