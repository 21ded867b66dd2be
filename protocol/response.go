package protocol

import (
	"encoding/base64"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Response is one packet sent back for a request. A request may be answered
// by several packets, the last of which has Terminal set.
type Response struct {
	RequestID RequestID
	Command   Command
	Type      ResponseType

	// Sequence numbers the packets of a multi packet reply, starting at 1
	Sequence int
	Terminal bool

	// Data is a JSON value, nil for responses without a payload
	Data []byte

	Err *Error
}

// ErrorOrNil returns an error if the response contains an error. Otherwise it
// returns nil.
func (r *Response) ErrorOrNil() error {
	if r.Err != nil {
		return r.Err
	}

	return nil
}

// Get reads a field of the response payload.
func (r *Response) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Data, path)
}

// Bytes reads a base64 encoded field of the response payload.
func (r *Response) Bytes(path string) []byte {
	b, err := base64.StdEncoding.DecodeString(r.Get(path).String())
	if err != nil {
		return nil
	}

	return b
}

// Payload builds a JSON object one field at a time.
type Payload struct {
	raw []byte
	err error
}

func NewPayload() *Payload {
	return &Payload{raw: []byte("{}")}
}

// Set stores value at path. Byte slices are base64 encoded.
func (p *Payload) Set(path string, value interface{}) *Payload {
	if p.err != nil {
		return p
	}

	if b, ok := value.([]byte); ok {
		value = base64.StdEncoding.EncodeToString(b)
	}

	p.raw, p.err = sjson.SetBytes(p.raw, path, value)
	return p
}

// SetRaw stores an already encoded JSON value at path.
func (p *Payload) SetRaw(path string, raw []byte) *Payload {
	if p.err != nil {
		return p
	}

	p.raw, p.err = sjson.SetRawBytes(p.raw, path, raw)
	return p
}

func (p *Payload) Build() ([]byte, error) {
	return p.raw, p.err
}
