package device_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmpbackup/qmpbackup/device"
)

const queryBlockFixture = `[
  {
    "device": "drive0",
    "qdev": "/machine/peripheral/drive0/virtio-backend",
    "inserted": {
      "node-name": "drive0-node",
      "image": {
        "filename": "/vms/disk1.qcow2",
        "format": "qcow2",
        "virtual-size": 21474836480
      },
      "dirty-bitmaps": [
        {"name": "qmpbackup-drive0-node-11111111-1111-1111-1111-111111111111", "recording": true, "persistent": true, "busy": false}
      ]
    }
  },
  {
    "device": "drive1",
    "inserted": {
      "node-name": "drive1-node",
      "image": {"filename": "/vms/disk2.raw", "format": "raw", "virtual-size": 10737418240}
    }
  },
  {
    "device": "ide0-0-0",
    "removable": true,
    "ro": true,
    "inserted": {
      "node-name": "ide0-node",
      "image": {"filename": "/isos/install.iso", "format": "raw", "virtual-size": 900000000}
    }
  },
  {
    "device": "sd-card",
    "inserted": {
      "node-name": "qmpbackup-fleece-drive0",
      "image": {"filename": "/tmp/fleece.qcow2", "format": "qcow2", "virtual-size": 21474836480}
    }
  }
]`

func TestSelectDropsReservedIsoAndRaw(t *testing.T) {
	devices, err := device.Select([]byte(queryBlockFixture), device.SelectOptions{
		UUID: "11111111-1111-1111-1111-111111111111",
	})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "drive0-node", devices[0].Node)
	assert.True(t, devices[0].HasBitmap)
}

func TestSelectIncludeRawKeepsRawDevice(t *testing.T) {
	devices, err := device.Select([]byte(queryBlockFixture), device.SelectOptions{IncludeRaw: true})
	require.NoError(t, err)
	var nodes []string
	for _, d := range devices {
		nodes = append(nodes, d.Node)
	}
	assert.Contains(t, nodes, "drive1-node")
}

func TestSelectIncludeAndExcludeTogetherIsConfigError(t *testing.T) {
	_, err := device.Select([]byte(queryBlockFixture), device.SelectOptions{
		Include: []string{"drive0"},
		Exclude: []string{"drive1"},
	})
	require.Error(t, err)
}

func TestSelectIncludeUnknownDeviceIsConfigError(t *testing.T) {
	_, err := device.Select([]byte(queryBlockFixture), device.SelectOptions{
		Include: []string{"does-not-exist"},
	})
	require.Error(t, err)
}

func TestSelectExcludeDropsMatchedDevice(t *testing.T) {
	devices, err := device.Select([]byte(queryBlockFixture), device.SelectOptions{
		IncludeRaw: true,
		Exclude:    []string{"drive1"},
	})
	require.NoError(t, err)
	for _, d := range devices {
		assert.NotEqual(t, "drive1", d.Device)
	}
}

func TestSelectEmptyResultIsConfigError(t *testing.T) {
	_, err := device.Select([]byte(`[]`), device.SelectOptions{})
	require.Error(t, err)
}

func TestSelectStableSortsByNode(t *testing.T) {
	fixture := `[
	  {"device": "b", "inserted": {"node-name": "zzz", "image": {"filename": "/vms/b.qcow2", "format": "qcow2", "virtual-size": 1}}},
	  {"device": "a", "inserted": {"node-name": "aaa", "image": {"filename": "/vms/a.qcow2", "format": "qcow2", "virtual-size": 1}}}
	]`
	devices, err := device.Select([]byte(fixture), device.SelectOptions{})
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "aaa", devices[0].Node)
	assert.Equal(t, "zzz", devices[1].Node)
}

func TestResolveRBDFilename(t *testing.T) {
	fixture := `[{
	  "device": "drive0",
	  "inserted": {
	    "node-name": "drive0-node",
	    "image": {
	      "format": "raw",
	      "filename": "json:{\"file\":{\"driver\":\"rbd\",\"image\":\"pool/vm-disk\"}}",
	      "virtual-size": 5
	    }
	  }
	}]`
	devices, err := device.Select([]byte(fixture), device.SelectOptions{IncludeRaw: true})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "pool/vm-disk", devices[0].Filename)
	assert.Equal(t, "rbd", devices[0].Driver)
}
