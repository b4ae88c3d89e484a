package websocket

import "encoding/json"

// WriteJSON writes the JSON encoding of v as a Text message. Unlike a
// streaming NextWriter API, the encoded form is built in memory first so
// it passes through Send unchanged — and is therefore fully subject to
// PMD compression and AutoFragmentSize fragmentation like any other Text
// message.
func (c *Codec) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Text(data)
}

// ReadJSON reads the next message and decodes it as JSON into v.
func (c *Codec) ReadJSON(v any) error {
	_, payload, err := c.Receive()
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
