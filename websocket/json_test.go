package websocket

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONReadJSONRoundTrip(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	var wire bytes.Buffer
	writer := NewCodec(bufStream{&wire}, DefaultOptions(), true)
	require.NoError(t, writer.WriteJSON(payload{Name: "widget", Count: 3}))

	reader := NewCodec(bufStream{&wire}, DefaultOptions(), false)
	var got payload
	require.NoError(t, reader.ReadJSON(&got))
	assert.Equal(t, payload{Name: "widget", Count: 3}, got)
}
