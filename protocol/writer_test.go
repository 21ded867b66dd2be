package protocol_test

import (
	"bytes"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/lodestar/protocol"
)

var _ = Describe("Parsing/ Writer", func() {
	var requestID protocol.RequestID
	copy(requestID[:], []byte("1234"))

	roundTrip := func(frame []byte) *protocol.Response {
		resp, err := protocol.ReadResponse(reader(string(frame)))
		ExpectWithOffset(1, err).To(Succeed())
		return resp
	}

	Describe("Encode", func() {
		var resp protocol.Response

		BeforeEach(func() {
			data, err := protocol.NewPayload().
				Set("key", "a").
				Set("value", []byte("hello")).
				Build()
			Expect(err).To(Succeed())

			resp = protocol.Response{
				RequestID: requestID,
				Command:   protocol.GET,
				Type:      protocol.RespValue,
				Sequence:  1,
				Terminal:  true,
				Data:      data,
			}
		})

		It("includes the request ID as a prefix and ends in \r\n", func() {
			frame, err := protocol.Encode(resp)
			Expect(err).To(Succeed())
			Expect(frame).To(HavePrefix("1234VALUE "))
			Expect(frame).To(HaveSuffix("\r\n"))
		})

		It("is read back by ReadResponse", func() {
			frame, err := protocol.Encode(resp)
			Expect(err).To(Succeed())

			decoded := roundTrip(frame)
			Expect(decoded.RequestID).To(Equal(requestID))
			Expect(decoded.Command).To(Equal(protocol.GET))
			Expect(decoded.Type).To(Equal(protocol.RespValue))
			Expect(decoded.Sequence).To(Equal(1))
			Expect(decoded.Terminal).To(BeTrue())
			Expect(decoded.Get("key").String()).To(Equal("a"))
			Expect(decoded.Bytes("value")).To(Equal([]byte("hello")))
			Expect(decoded.ErrorOrNil()).To(Succeed())
		})

		It("marks only the terminal packet as last", func() {
			resp.Terminal = false
			resp.Data = nil

			frame, err := protocol.Encode(resp)
			Expect(err).To(Succeed())

			decoded := roundTrip(frame)
			Expect(decoded.Terminal).To(BeFalse())
			Expect(decoded.Data).To(BeNil())
		})

		It("encodes a response carrying an error as an error frame", func() {
			resp.Err = protocol.NewError(protocol.KindNotFound, "key %q", "a")

			frame, err := protocol.Encode(resp)
			Expect(err).To(Succeed())
			Expect(frame).To(HavePrefix("1234ERR "))
		})
	})

	Describe("Write", func() {
		It("writes the encoded frame", func() {
			var buf bytes.Buffer
			Expect(protocol.Write(&buf, protocol.Response{
				RequestID: requestID,
				Command:   protocol.PING,
				Type:      protocol.RespPong,
				Sequence:  1,
				Terminal:  true,
			})).To(Succeed())

			Expect(buf.String()).To(Equal(`1234PONG {"cmd":"PING","seq":1,"last":true}` + "\r\n"))
		})
	})

	Describe("WriteError", func() {
		It("includes the request ID as a prefix and ends in \r\n", func() {
			var buf bytes.Buffer
			Expect(protocol.WriteError(&buf, requestID, protocol.GET, errors.New("boom"))).To(Succeed())

			Expect(buf.Bytes()).To(HavePrefix("1234ERR "))
			Expect(buf.Bytes()).To(HaveSuffix("\r\n"))
		})

		It("reports errors without a kind as OperationFailed", func() {
			resp := roundTrip(protocol.EncodeError(requestID, protocol.GET, errors.New("disk on fire")))

			Expect(resp.Terminal).To(BeTrue())
			Expect(resp.Command).To(Equal(protocol.GET))
			Expect(resp.Err.Kind).To(Equal(protocol.KindOperationFailed))
			Expect(resp.Err.Detail).To(Equal("disk on fire"))
		})

		It("keeps every failure of an aggregate error", func() {
			err := protocol.Aggregate(
				fmt.Errorf("a: %w", protocol.NewError(protocol.KindOperationFailed, "exists")),
				errors.New("b: missing"),
			)

			resp := roundTrip(protocol.EncodeError(requestID, protocol.BULK_ADD, err))
			Expect(resp.Err.Kind).To(Equal(protocol.KindAggregate))
			Expect(resp.Err.Detail).To(Equal("a: OperationFailed: exists"))
			Expect(resp.Err.Errors).To(HaveLen(2))
			Expect(resp.Err.Errors[1]).To(MatchError("b: missing"))
		})

		It("names the node that owns the data", func() {
			err := &protocol.Error{Kind: protocol.KindNotFound, Detail: "not here", Node: "10.0.0.2:7800"}

			resp := roundTrip(protocol.EncodeError(requestID, protocol.GET, err))
			Expect(resp.Err.Kind).To(Equal(protocol.KindNotFound))
			Expect(resp.Err.Node).To(Equal("10.0.0.2:7800"))
		})

		It("escapes details that are not plain text", func() {
			detail := "line one\nline \"two\"\r\n\x00"

			resp := roundTrip(protocol.EncodeError(requestID, protocol.GET, errors.New(detail)))
			Expect(resp.Err.Detail).To(Equal(detail))
			Expect(resp.Terminal).To(BeTrue())
		})

		It("falls back to a fixed error when the payload cannot be built", func() {
			broken := protocol.NewPayload().Set("", "no path")

			frame := protocol.ErrorFrame(requestID, broken)
			Expect(frame).To(HavePrefix("1234ERR "))

			resp := roundTrip(frame)
			Expect(resp.Terminal).To(BeTrue())
			Expect(resp.Err.Kind).To(Equal(protocol.KindOperationFailed))
			Expect(resp.Err.Detail).To(Equal("failed to encode error"))
		})
	})

	Describe("EncodeRequest", func() {
		It("is read back by ReadRequest", func() {
			args, err := protocol.NewPayload().Set("key", "a").Set("view", 3).Build()
			Expect(err).To(Succeed())

			req, err := protocol.ReadRequest(reader(string(protocol.EncodeRequest(requestID, protocol.GET, args))))
			Expect(err).To(Succeed())
			Expect(req).To(Equal(protocol.KeyRequest{
				Header: protocol.Header{ID: requestID, Command: protocol.GET, LastViewID: 3},
				Key:    "a",
			}))
		})

		It("omits the arguments when there are none", func() {
			Expect(protocol.EncodeRequest(requestID, protocol.PING, nil)).To(Equal([]byte("1234PING\n")))
		})
	})

	Describe("Notifications", func() {
		It("are framed with the notification id", func() {
			frame, err := protocol.EncodeNotification(protocol.Notification{
				TaskID:     "t1",
				CallbackID: "cb",
				ClientID:   "c1",
				Status:     "Failed",
				Sequence:   4,
				Detail:     "engine closed",
			})
			Expect(err).To(Succeed())
			Expect(frame).To(HavePrefix("****NOTIFY "))

			resp := roundTrip(frame)
			Expect(resp.RequestID).To(Equal(protocol.NotifyRequestID))
			Expect(resp.Type).To(Equal(protocol.RespNotify))
			Expect(protocol.DecodeNotification(resp.Data)).To(Equal(protocol.Notification{
				TaskID:     "t1",
				CallbackID: "cb",
				ClientID:   "c1",
				Status:     "Failed",
				Sequence:   4,
				Detail:     "engine closed",
			}))
		})

		It("carry key events", func() {
			frame, err := protocol.EncodeNotification(protocol.Notification{
				Key:        "user:1",
				Event:      protocol.KeyRemoved,
				CallbackID: "cb",
				ClientID:   "c1",
				Sequence:   2,
			})
			Expect(err).To(Succeed())

			n := protocol.DecodeNotification(roundTrip(frame).Data)
			Expect(n.Key).To(Equal("user:1"))
			Expect(n.Event).To(Equal(protocol.KeyRemoved))
			Expect(n.TaskID).To(BeEmpty())
			Expect(n.Sequence).To(Equal(uint64(2)))
		})
	})

	Describe("Errors", func() {
		It("classifies errors by kind", func() {
			err := fmt.Errorf("wrapped: %w", protocol.NewError(protocol.KindStaleCursor, "expected 100"))

			Expect(protocol.KindOf(err)).To(Equal(protocol.KindStaleCursor))
			Expect(protocol.IsKind(err, protocol.KindStaleCursor)).To(BeTrue())
			Expect(errors.Is(err, &protocol.Error{Kind: protocol.KindStaleCursor})).To(BeTrue())
			Expect(protocol.IsKind(nil, protocol.KindStaleCursor)).To(BeFalse())
		})

		It("maps kind names back to kinds", func() {
			for _, kind := range []protocol.ErrorKind{protocol.KindParsing, protocol.KindStaleView, protocol.KindNotSupported} {
				Expect(protocol.ParseErrorKind(kind.String())).To(Equal(kind))
			}

			Expect(protocol.ParseErrorKind("Mystery")).To(Equal(protocol.KindOperationFailed))
		})
	})
})
