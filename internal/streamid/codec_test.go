package streamid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name      string
		device    string
		channel   string
		ssrc      string
	}{
		{"all zeros", strings.Repeat("0", 20), strings.Repeat("0", 20), strings.Repeat("0", 10)},
		{"all nines", strings.Repeat("9", 20), strings.Repeat("9", 20), strings.Repeat("9", 10)},
		{"typical device id", "34020000001320000001", "34020000001320000001", "0000100001"},
		{"ascending digits", "12345678901234567890", "09876543210987654321", "1357924680"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := Encode(tc.device, tc.channel, tc.ssrc)
			require.NoError(t, err)
			require.NotEmpty(t, id)

			device, channel, ssrc, err := Decode(id)
			require.NoError(t, err)
			assert.Equal(t, tc.device, device)
			assert.Equal(t, tc.channel, channel)
			assert.Equal(t, tc.ssrc, ssrc)
		})
	}
}

func TestEncodeRejectsWrongLength(t *testing.T) {
	_, err := Encode("123", strings.Repeat("0", 20), strings.Repeat("0", 10))
	assert.Error(t, err)
}

func TestDecodeRejectsIllegalCharacter(t *testing.T) {
	_, _, _, err := Decode("not-a-stream-id!!")
	assert.Error(t, err)
}

func TestEncodeIsNotStableButDecodesToSameFields(t *testing.T) {
	device := strings.Repeat("1", 20)
	channel := strings.Repeat("2", 20)
	ssrc := "1234567890"

	first, err := Encode(device, channel, ssrc)
	require.NoError(t, err)
	d1, c1, s1, err := Decode(first)
	require.NoError(t, err)
	assert.Equal(t, device, d1)
	assert.Equal(t, channel, c1)
	assert.Equal(t, ssrc, s1)

	second, err := Encode(device, channel, ssrc)
	require.NoError(t, err)
	d2, c2, s2, err := Decode(second)
	require.NoError(t, err)
	assert.Equal(t, device, d2)
	assert.Equal(t, channel, c2)
	assert.Equal(t, ssrc, s2)
}
