package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

func TestDecodeDepthEvent(t *testing.T) {
	raw := `{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":5001,"u":5001,"pu":5000,` +
		`"b":[["99.50","1.25000"]],"a":[["100.50","0.00000000"]]}`

	tests := []struct {
		name  string
		frame string
	}{
		{name: "raw", frame: raw},
		{name: "enveloped", frame: `{"stream":"btcusdt@depth","data":` + raw + `}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := DecodeDepthEvent([]byte(tc.frame))
			require.NoError(t, err)

			assert.Equal(t, "depthUpdate", ev.EventType)
			assert.Equal(t, "BTCUSDT", ev.Symbol)
			assert.Equal(t, int64(5001), ev.FirstUpdateID)
			assert.Equal(t, int64(5001), ev.FinalUpdateID)
			assert.Equal(t, int64(5000), ev.PrevFinalUpdateID)
			assert.Equal(t, int64(1700000000000), ev.EventTime.UnixMilli())
			require.Len(t, ev.Bids, 1)
			assert.Equal(t, "99.5", ev.Bids[0].Price.String())
			assert.Equal(t, "1.25", ev.Bids[0].Qty.String())
			require.Len(t, ev.Asks, 1)
			assert.True(t, ev.Asks[0].Qty.IsZero())
		})
	}
}

func TestDecodeDepthEventMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"missing ids", `{"e":"depthUpdate","b":[],"a":[]}`},
		{"range inverted", `{"U":10,"u":9,"pu":8}`},
		{"short level", `{"U":1,"u":1,"pu":0,"b":[["1"]]}`},
		{"long level", `{"U":1,"u":1,"pu":0,"a":[["1","2","3"]]}`},
		{"numeric level", `{"U":1,"u":1,"pu":0,"b":[[1,2]]}`},
		{"bad price", `{"U":1,"u":1,"pu":0,"b":[["abc","1"]]}`},
		{"negative qty", `{"U":1,"u":1,"pu":0,"a":[["1","-2"]]}`},
		{"bad envelope data", `{"stream":"x","data":{"U":"one"}}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeDepthEvent([]byte(tc.frame))
			assert.ErrorIs(t, err, domain.ErrMalformedMessage)
		})
	}
}

func TestSnapshotToDomain(t *testing.T) {
	api := APISnapshot{
		LastUpdateID: 5000,
		Bids:         [][]string{{"99.50", "1.00000"}, {"99.00", "2.00000"}},
		Asks:         [][]string{{"100.50", "3.00000"}},
	}

	snap, err := api.ToDomain()
	require.NoError(t, err)
	assert.Equal(t, int64(5000), snap.LastUpdateID)
	assert.Len(t, snap.Bids, 2)
	assert.Equal(t, "100.5", snap.Asks[0].Price.String())

	api.Asks = [][]string{{"x", "1"}}
	_, err = api.ToDomain()
	assert.Error(t, err)
}

func TestDeriveURLs(t *testing.T) {
	tests := []struct {
		base       string
		wantSnap   string
		wantStream string
		wantErr    bool
	}{
		{"http://localhost:3001", "http://localhost:3001/api/v3/depth", "ws://localhost:3001/ws", false},
		{"https://api.example.com/", "https://api.example.com/api/v3/depth", "wss://api.example.com/ws", false},
		{"https://api.example.com/venue", "https://api.example.com/venue/api/v3/depth", "wss://api.example.com/venue/ws", false},
		{"ws://sim:9000", "http://sim:9000/api/v3/depth", "ws://sim:9000/ws", false},
		{"ftp://host", "", "", true},
		{"localhost:3001", "", "", true},
		{"", "", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.base, func(t *testing.T) {
			snap, stream, err := DeriveURLs(tc.base, DefaultSnapshotPath, DefaultStreamPath)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantSnap, snap)
			assert.Equal(t, tc.wantStream, stream)
		})
	}
}
