// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		endpoint string
		tenant   string
		device   string
		wantErr  bool
	}{
		{name: "full address", input: "telemetry/t1/dev1", endpoint: "telemetry", tenant: "t1", device: "dev1"},
		{name: "tenant only", input: "event/t1", endpoint: "event", tenant: "t1"},
		{name: "missing tenant", input: "telemetry", wantErr: true},
		{name: "empty tenant segment", input: "telemetry//dev1", wantErr: true},
		{name: "empty device segment", input: "telemetry/t1/", wantErr: true},
		{name: "too many segments", input: "telemetry/t1/dev1/extra", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, err := Parse(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.endpoint, id.Endpoint())
			assert.Equal(t, tc.tenant, id.TenantID())
			assert.Equal(t, tc.device, id.DeviceID())
			assert.True(t, id.IsValid())
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"telemetry/t1/dev1", "event/t1"} {
		id, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, s, id.String())
	}
}

func TestEqual(t *testing.T) {
	a, err := Parse("telemetry/t1/dev1")
	require.NoError(t, err)
	b, err := FromComponents("telemetry", "t1", "dev1")
	require.NoError(t, err)
	c, err := Parse("telemetry/t1/dev2")
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestFromComponentsRequiresTenant(t *testing.T) {
	_, err := FromComponents("telemetry", "", "dev1")
	assert.ErrorIs(t, err, ErrEmptyTenant)
}

func TestZeroValueInvalid(t *testing.T) {
	assert.False(t, ID{}.IsValid())
}

func TestForTenant(t *testing.T) {
	assert.Equal(t, "command/t1", ForTenant("command", "/", "t1"))
	assert.Equal(t, "command.t1", ForTenant("command", ".", "t1"))
}
