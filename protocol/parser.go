package protocol

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

var (
	ErrUnknownCommand          = errors.New("Unknown command could not be parsed")
	ErrRequestTooShort         = errors.New("Request is malformed, it appears to be too short")
	ErrRequestUnexpectedEOF    = errors.New("Request is malformed, received EOF before parsing a full command")
	ErrMalformedArguments      = errors.New("Request arguments are not a valid JSON object")
	ErrMissingArgument         = errors.New("Request is missing a required argument")
	ErrInvalidArgument         = errors.New("Request argument has an invalid value")
	ErrResponseMissingErrSpace = errors.New("Response is malformed, it appears to be missing a space between the type and the payload")

	Terminal = []byte("\r\n")
)

// ParseError describes a request that could not be parsed. RequestID is
// whatever id could be recovered before the failure.
type ParseError struct {
	RequestID RequestID
	Command   Command

	// ExpectsReply is false when the client cannot be expecting an answer,
	// i.e. the recovered id is the immature id.
	ExpectsReply bool

	Err error
}

func (p *ParseError) Error() string {
	if p.Command != "" {
		return fmt.Sprintf("Failed to parse %s: %s", p.Command, p.Err)
	}

	return fmt.Sprintf("Failed to parse request: %s", p.Err)
}

func (p *ParseError) Unwrap() error {
	return p.Err
}

// ReadRequest reads one request frame from r.
//
// A frame is a 4 byte request id, the command name, optionally a space and a
// JSON object of arguments, terminated by '\n'. Errors reading the
// connection are returned as is. Errors in the frame itself are returned as a
// *ParseError.
//
// To avoid denial of service attacks, the provided bufio.Reader
// should be reading from an io.LimitReader or similar Reader to bound
// the size of requests.
func ReadRequest(r *bufio.Reader) (Request, error) {
	var requestID RequestID
	if _, err := io.ReadFull(r, requestID[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %s", ErrRequestUnexpectedEOF, err)
		}
		return nil, err
	}

	rawReq, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	fail := func(cmd Command, err error) (Request, error) {
		return nil, &ParseError{
			RequestID:    requestID,
			Command:      cmd,
			ExpectsReply: requestID != ImmatureRequestID,
			Err:          err,
		}
	}

	rawCommand := RemoveTrailingCR(rawReq[:len(rawReq)-1])
	if len(rawCommand) == 0 {
		return fail("", ErrRequestTooShort)
	}

	name, rawArgs := rawCommand, []byte(nil)
	if i := bytes.IndexByte(rawCommand, ' '); i >= 0 {
		name, rawArgs = rawCommand[:i], bytes.TrimSpace(rawCommand[i+1:])
	}

	cmd, ok := knownCommands[string(name)]
	if !ok {
		return fail("", fmt.Errorf("'%s': %w", string(name), ErrUnknownCommand))
	}

	args := gjson.Result{}
	if len(rawArgs) > 0 {
		if !gjson.ValidBytes(rawArgs) {
			return fail(cmd, ErrMalformedArguments)
		}

		args = gjson.ParseBytes(rawArgs)
		if !args.IsObject() {
			return fail(cmd, ErrMalformedArguments)
		}
	}

	header := Header{
		ID:                requestID,
		Command:           cmd,
		LastViewID:        args.Get("view").Int(),
		IntendedRecipient: args.Get("recipient").String(),
	}

	req, err := parseArgs(header, args)
	if err != nil {
		return fail(cmd, err)
	}

	return req, nil
}

func parseArgs(h Header, args gjson.Result) (Request, error) {
	switch h.Command {
	case QUIT, PING, VIEW, COUNT, CLEAR, ENUMERATE:
		return SimpleRequest{Header: h}, nil

	case GET, REMOVE, CONTAINS:
		key, err := requireString(args, "key")
		if err != nil {
			return nil, err
		}
		return KeyRequest{Header: h, Key: key}, nil

	case SET, ADD:
		key, err := requireString(args, "key")
		if err != nil {
			return nil, err
		}

		value, err := requireBytes(args, "value")
		if err != nil {
			return nil, err
		}
		return KeyRequest{Header: h, Key: key, Value: value}, nil

	case BULK_INSERT, BULK_ADD, BULK_REMOVE, BULK_GET:
		return parseBulk(h, args)

	case KEY_REGISTER, KEY_UNREGISTER:
		key, err := requireString(args, "key")
		if err != nil {
			return nil, err
		}

		callback, err := requireString(args, "callback")
		if err != nil {
			return nil, err
		}
		return WatchRequest{Header: h, Key: key, CallbackID: callback}, nil

	case SEARCH, TASK_RUN:
		return SearchRequest{Header: h, Pattern: args.Get("pattern").String()}, nil

	case NEXT_CHUNK, DISPOSE_READER:
		reader, err := requireString(args, "reader")
		if err != nil {
			return nil, err
		}

		index := args.Get("index")
		if h.Command == NEXT_CHUNK && !index.Exists() {
			return nil, fmt.Errorf("%w: index", ErrMissingArgument)
		}

		if index.Int() < 0 {
			return nil, fmt.Errorf("%w: index", ErrInvalidArgument)
		}

		return ChunkRequest{
			Header:    h,
			ReaderID:  reader,
			NextIndex: int(index.Int()),
			NodeHint:  args.Get("node").String(),
		}, nil

	case STREAM_OPEN, STREAM_READ, STREAM_WRITE, STREAM_LENGTH, STREAM_CLOSE:
		return parseStream(h, args)

	case TASK_CALLBACK, TASK_CANCEL, TASK_PROGRESS, TASK_ENUMERATE, TASK_NEXT_RECORD:
		taskID, err := requireString(args, "task")
		if err != nil {
			return nil, err
		}

		req := TaskRequest{
			Header:      h,
			TaskID:      taskID,
			CallbackID:  args.Get("callback").String(),
			ClientAddr:  args.Get("clientAddr").String(),
			ClusterAddr: args.Get("clusterAddr").String(),
		}

		switch h.Command {
		case TASK_CALLBACK, TASK_ENUMERATE, TASK_NEXT_RECORD:
			if req.CallbackID == "" {
				return nil, fmt.Errorf("%w: callback", ErrMissingArgument)
			}
		}

		return req, nil
	}

	return nil, ErrUnknownCommand
}

func parseBulk(h Header, args gjson.Result) (Request, error) {
	req := BulkRequest{Header: h}

	if h.Command == BULK_REMOVE || h.Command == BULK_GET {
		for _, key := range args.Get("keys").Array() {
			req.Items = append(req.Items, KeyValue{Key: key.String()})
		}
		return req, nil
	}

	var err error
	args.Get("items").ForEach(func(_, item gjson.Result) bool {
		key := item.Get("key").String()
		if key == "" {
			err = fmt.Errorf("%w: items.key", ErrMissingArgument)
			return false
		}

		var value []byte
		value, err = requireBytes(item, "value")
		if err != nil {
			return false
		}

		req.Items = append(req.Items, KeyValue{Key: key, Value: value})
		return true
	})

	if err != nil {
		return nil, err
	}

	return req, nil
}

func parseStream(h Header, args gjson.Result) (Request, error) {
	key, err := requireString(args, "key")
	if err != nil {
		return nil, err
	}

	req := StreamRequest{
		Header:    h,
		Key:       key,
		Handle:    args.Get("handle").String(),
		Offset:    args.Get("offset").Int(),
		SrcOffset: int(args.Get("src").Int()),
		DstOffset: args.Get("dst").Int(),
		Length:    int(args.Get("length").Int()),
	}

	if req.Offset < 0 || req.SrcOffset < 0 || req.DstOffset < 0 || req.Length < 0 {
		return nil, fmt.Errorf("%w: negative offset or length", ErrInvalidArgument)
	}

	switch h.Command {
	case STREAM_READ, STREAM_LENGTH, STREAM_CLOSE:
		if req.Handle == "" {
			return nil, fmt.Errorf("%w: handle", ErrMissingArgument)
		}

	case STREAM_WRITE:
		if req.Buffer, err = requireBytes(args, "buffer"); err != nil {
			return nil, err
		}

		if !args.Get("length").Exists() {
			req.Length = len(req.Buffer) - req.SrcOffset
		}
	}

	return req, nil
}

func requireString(args gjson.Result, field string) (string, error) {
	value := args.Get(field)
	if !value.Exists() || value.String() == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, field)
	}

	return value.String(), nil
}

// requireBytes decodes a base64 encoded argument. An explicitly empty string
// is a valid empty value.
func requireBytes(args gjson.Result, field string) ([]byte, error) {
	value := args.Get(field)
	if !value.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrMissingArgument, field)
	}

	decoded, err := base64.StdEncoding.DecodeString(value.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not base64", ErrInvalidArgument, field)
	}

	return decoded, nil
}

// ReadResponse reads one server frame from r: a response, an error response
// or a pushed notification.
//
// To avoid denial of service attacks, the provided bufio.Reader
// should be reading from an io.LimitReader or similar Reader to bound
// the size of responses.
func ReadResponse(r *bufio.Reader) (*Response, error) {
	var requestID RequestID
	if _, err := io.ReadFull(r, requestID[:]); err != nil {
		return nil, err
	}

	rawResp, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	rawResp = RemoveTrailingCR(rawResp[:len(rawResp)-1])

	i := bytes.IndexByte(rawResp, ' ')
	if i < 0 {
		return nil, fmt.Errorf("Failed to parse '%s': %w", string(rawResp), ErrResponseMissingErrSpace)
	}

	respType := ResponseType(rawResp[:i])
	body := rawResp[i+1:]

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("Failed to parse '%s': %w", string(rawResp), ErrMalformedArguments)
	}

	if requestID == NotifyRequestID {
		return &Response{
			RequestID: requestID,
			Type:      RespNotify,
			Terminal:  true,
			Data:      append([]byte(nil), body...),
		}, nil
	}

	parsed := gjson.ParseBytes(body)
	resp := &Response{
		RequestID: requestID,
		Command:   Command(parsed.Get("cmd").String()),
		Type:      respType,
		Sequence:  int(parsed.Get("seq").Int()),
		Terminal:  parsed.Get("last").Bool(),
	}

	if respType == RespErr {
		perr := &Error{
			Kind:   ParseErrorKind(parsed.Get("kind").String()),
			Detail: parsed.Get("detail").String(),
			Node:   parsed.Get("node").String(),
		}

		for _, inner := range parsed.Get("errors").Array() {
			perr.Errors = append(perr.Errors, errors.New(inner.String()))
		}

		resp.Err = perr
		resp.Terminal = true
		return resp, nil
	}

	if data := parsed.Get("data"); data.Exists() {
		resp.Data = []byte(data.Raw)
	}

	return resp, nil
}

func RemoveTrailingCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		// Remove the optional trailing \r
		return data[:len(data)-1]
	}

	return data
}
