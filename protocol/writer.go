package protocol

import (
	"io"

	"github.com/tidwall/sjson"
)

// errorFallback is sent when an error payload cannot be encoded.
var errorFallback = []byte(`{"kind":"OperationFailed","detail":"failed to encode error"}`)

// Encode serialises a response into a single frame:
//
//	<reqID><TYPE> {"cmd":..,"seq":..,"last":..,"data":..}\r\n
//
// A response carrying an error is encoded as an error frame instead.
func Encode(resp Response) ([]byte, error) {
	if resp.Err != nil {
		return EncodeError(resp.RequestID, resp.Command, resp.Err), nil
	}

	body := []byte(`{}`)
	var err error

	if body, err = sjson.SetBytes(body, "cmd", string(resp.Command)); err != nil {
		return nil, err
	}

	if body, err = sjson.SetBytes(body, "seq", resp.Sequence); err != nil {
		return nil, err
	}

	if body, err = sjson.SetBytes(body, "last", resp.Terminal); err != nil {
		return nil, err
	}

	if len(resp.Data) > 0 {
		if body, err = sjson.SetRawBytes(body, "data", resp.Data); err != nil {
			return nil, err
		}
	}

	return frame(resp.RequestID, string(resp.Type), body), nil
}

// EncodeError serialises err as an error frame for the request. Errors that
// were never given a kind are reported as OperationFailed.
func EncodeError(requestID RequestID, cmd Command, err error) []byte {
	perr := AsError(err)

	p := NewPayload().
		Set("cmd", string(cmd)).
		Set("kind", perr.Kind.String()).
		Set("detail", perr.Detail)

	if perr.Node != "" {
		p.Set("node", perr.Node)
	}

	if len(perr.Errors) > 0 {
		inner := make([]string, len(perr.Errors))
		for i, e := range perr.Errors {
			inner[i] = e.Error()
		}
		p.Set("errors", inner)
	}

	return errorFrame(requestID, p)
}

func errorFrame(requestID RequestID, p *Payload) []byte {
	body, err := p.Build()
	if err != nil {
		body = errorFallback
	}

	return frame(requestID, string(RespErr), body)
}

func Write(w io.Writer, resp Response) error {
	b, err := Encode(resp)
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}

func WriteError(w io.Writer, requestID RequestID, cmd Command, err error) error {
	_, werr := w.Write(EncodeError(requestID, cmd, err))
	return werr
}

func frame(requestID RequestID, respType string, body []byte) []byte {
	b := make([]byte, 0, len(respType)+len(body)+3)
	b = append(b, respType...)
	b = append(b, ' ')
	b = append(b, body...)
	b = append(b, Terminal...)

	return PrependRequestID(b, requestID)
}

func PrependRequestID(data []byte, requestID RequestID) []byte {
	return append(requestID[:], data...)
}

// EncodeRequest frames a request as a client sends it. args may be nil.
//
//	<reqID><COMMAND> {..args..}\n
func EncodeRequest(requestID RequestID, cmd Command, args []byte) []byte {
	b := make([]byte, 0, len(requestID)+len(cmd)+len(args)+2)
	b = append(b, requestID[:]...)
	b = append(b, cmd...)

	if len(args) > 0 {
		b = append(b, ' ')
		b = append(b, args...)
	}

	return append(b, '\n')
}

// WriteRequest writes a request built from args, which may be nil.
func WriteRequest(w io.Writer, requestID RequestID, cmd Command, args *Payload) error {
	var raw []byte
	if args != nil {
		var err error
		if raw, err = args.Build(); err != nil {
			return err
		}
	}

	_, err := w.Write(EncodeRequest(requestID, cmd, raw))
	return err
}
