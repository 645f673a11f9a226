package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{name: "object", payload: `{"order_id":"O1","transaction_id":"T1"}`, want: "O1"},
		{name: "bare string", payload: `"O2"`, want: "O2"},
		{name: "padded", payload: "  {\"order_id\":\" O3 \"}\n", want: "O3"},
		{name: "empty id", payload: `{"order_id":""}`, wantErr: true},
		{name: "garbage", payload: `not json`, wantErr: true},
		{name: "empty", payload: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.OrderID)
		})
	}
}

func TestEncode_RequiresOrderID(t *testing.T) {
	_, err := Encode(OrderEvent{})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	payload, err := Encode(OrderEvent{OrderID: "O1", TransactionID: "T1"})
	require.NoError(t, err)

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "T1", got.TransactionID)
}
