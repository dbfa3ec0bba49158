package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipient_EncodeLayout(t *testing.T) {
	tests := []struct {
		name      string
		recipient MessageRecipient
		want      uint32
	}{
		{name: "broadcast", recipient: Broadcast(), want: 0},
		{name: "everyone except", recipient: EveryoneExcept(7), want: 0x40000007},
		{name: "client", recipient: Client(3), want: 0x80000003},
		{name: "client max id", recipient: Client(MaxClientID), want: 0xbfffffff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.recipient.EncodeU32())
		})
	}
}

func TestRecipient_RoundTrip(t *testing.T) {
	ids := []ClientID{1, 2, 42, 1 << 20, MaxClientID}
	recipients := []MessageRecipient{Broadcast()}
	for _, id := range ids {
		recipients = append(recipients, EveryoneExcept(id), Client(id))
	}

	for _, r := range recipients {
		got, err := DecodeRecipient(r.EncodeU32())
		require.NoError(t, err, r.String())
		assert.Equal(t, r, got)
	}
}

func TestRecipient_DecodeIgnoresBroadcastIDBits(t *testing.T) {
	got, err := DecodeRecipient(12345)
	require.NoError(t, err)
	assert.Equal(t, Broadcast(), got)
}

func TestRecipient_DecodeReservedTag(t *testing.T) {
	_, err := DecodeRecipient(0xc0000001)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestPayload_Clone(t *testing.T) {
	orig := BinaryPayload([]byte{1, 2, 3})
	cp := orig.Clone()
	cp.Binary[0] = 9

	assert.Equal(t, byte(1), orig.Binary[0])
	assert.Equal(t, TextPayload("hi"), TextPayload("hi").Clone())
	assert.Equal(t, []byte("hi"), TextPayload("hi").Bytes())
}

func TestRecipient_EncodeInvalidKind(t *testing.T) {
	word := MessageRecipient{Kind: RecipientClient + 1, Client: 4}.EncodeU32()
	assert.NotZero(t, word)

	_, err := DecodeRecipient(word)
	assert.ErrorIs(t, err, ErrDecode)
}
