package stream_test

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/lodestar/protocol"
	"github.com/luma/lodestar/storage"
	"github.com/luma/lodestar/stream"
)

var _ = Describe("stream / Manager", func() {
	var (
		ctx     context.Context
		engine  *storage.InmemoryStore
		streams *stream.Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		engine = storage.NewInmemoryStore(storage.InmemoryOptions{})
		streams = stream.NewManager(engine, stream.Options{MaxIO: 8}, zap.NewNop())
	})

	AfterEach(func() {
		engine.Close()
	})

	It("writes, reads, measures and closes a stream", func() {
		handle, err := streams.Open(ctx, "conn-1", "doc1")
		Expect(err).To(Succeed())

		_, err = streams.Write(ctx, "conn-1", "doc1", handle, 0, 0, 3, []byte{1, 2, 3})
		Expect(err).To(Succeed())

		Expect(streams.Read(ctx, "conn-1", "doc1", handle, 0, 3)).To(Equal([]byte{1, 2, 3}))
		Expect(streams.Length(ctx, "conn-1", "doc1", handle)).To(Equal(int64(3)))

		Expect(streams.Close(ctx, "conn-1", "doc1", handle)).To(Succeed())

		_, err = streams.Read(ctx, "conn-1", "doc1", handle, 0, 3)
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindInvalidHandle))
	})

	It("refuses every operation after close", func() {
		handle, err := streams.Open(ctx, "conn-1", "doc1")
		Expect(err).To(Succeed())
		Expect(streams.Close(ctx, "conn-1", "doc1", handle)).To(Succeed())

		_, err = streams.Write(ctx, "conn-1", "doc1", handle, 0, 0, 1, []byte{1})
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindInvalidHandle))

		_, err = streams.Length(ctx, "conn-1", "doc1", handle)
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindInvalidHandle))

		err = streams.Close(ctx, "conn-1", "doc1", handle)
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindInvalidHandle))
	})

	It("returns no bytes at the end of the stream", func() {
		handle, err := streams.Open(ctx, "conn-1", "doc1")
		Expect(err).To(Succeed())

		_, err = streams.Write(ctx, "conn-1", "doc1", handle, 0, 0, 2, []byte{1, 2})
		Expect(err).To(Succeed())

		Expect(streams.Read(ctx, "conn-1", "doc1", handle, 2, 4)).To(BeEmpty())
	})

	It("acquires a lock implicitly on the first write", func() {
		handle, err := streams.Write(ctx, "conn-1", "doc1", "", 1, 0, 2, []byte{9, 8, 7})
		Expect(err).To(Succeed())
		Expect(handle).NotTo(BeEmpty())

		Expect(streams.Read(ctx, "conn-1", "doc1", handle, 0, 8)).To(Equal([]byte{8, 7}))
		Expect(streams.Count()).To(Equal(1))
	})

	It("rejects a handle presented by another connection", func() {
		handle, err := streams.Open(ctx, "conn-1", "doc1")
		Expect(err).To(Succeed())

		_, err = streams.Read(ctx, "conn-2", "doc1", handle, 0, 1)
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindInvalidHandle))

		_, err = streams.Open(ctx, "conn-2", "doc1")
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindOperationFailed))
	})

	It("rejects a handle that does not match the lock", func() {
		_, err := streams.Open(ctx, "conn-1", "doc1")
		Expect(err).To(Succeed())

		_, err = streams.Length(ctx, "conn-1", "doc1", "not-the-handle")
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindInvalidHandle))
	})

	It("bounds the size of a single read and write", func() {
		handle, err := streams.Open(ctx, "conn-1", "doc1")
		Expect(err).To(Succeed())

		_, err = streams.Write(ctx, "conn-1", "doc1", handle, 0, 0, 9, make([]byte, 9))
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindOperationFailed))

		_, err = streams.Write(ctx, "conn-1", "doc1", handle, 0, 0, 8, make([]byte, 8))
		Expect(err).To(Succeed())
		_, err = streams.Write(ctx, "conn-1", "doc1", handle, 0, 8, 8, make([]byte, 8))
		Expect(err).To(Succeed())

		Expect(streams.Read(ctx, "conn-1", "doc1", handle, 0, 16)).To(HaveLen(8))
	})

	It("fails writes whose source range is outside the buffer", func() {
		handle, err := streams.Open(ctx, "conn-1", "doc1")
		Expect(err).To(Succeed())

		_, err = streams.Write(ctx, "conn-1", "doc1", handle, 2, 0, 3, []byte{1, 2, 3})
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindOperationFailed))

		Expect(engine.Contains(ctx, "doc1")).To(BeFalse())
	})

	It("fails writes whose source range overflows", func() {
		handle, err := streams.Open(ctx, "conn-1", "doc1")
		Expect(err).To(Succeed())

		maxInt := int(^uint(0) >> 1)
		_, err = streams.Write(ctx, "conn-1", "doc1", handle, maxInt, 0, 4, []byte{1, 2, 3})
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindOperationFailed))

		_, err = streams.Write(ctx, "conn-1", "doc1", handle, 1, 0, -1, []byte{1, 2, 3})
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindOperationFailed))
	})

	It("refuses writes that start far past the end of the value", func() {
		handle, err := streams.Write(ctx, "conn-1", "doc1", "", 0, 1<<46, 1, []byte{1})
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindOperationFailed))
		Expect(handle).To(BeEmpty())

		// the implicit lock is not kept
		Expect(streams.Count()).To(BeZero())
		Expect(engine.Contains(ctx, "doc1")).To(BeFalse())

		handle, err = streams.Write(ctx, "conn-1", "doc1", "", 0, 8, 1, []byte{1})
		Expect(err).To(Succeed())

		_, err = streams.Write(ctx, "conn-1", "doc1", handle, 0, 18, 1, []byte{1})
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindOperationFailed))
		Expect(engine.Length(ctx, "doc1")).To(Equal(int64(9)))
	})

	It("passes engine failures through as OperationFailed", func() {
		handle, err := streams.Open(ctx, "conn-1", "missing")
		Expect(err).To(Succeed())

		_, err = streams.Length(ctx, "conn-1", "missing", handle)
		Expect(protocol.KindOf(err)).To(Equal(protocol.KindOperationFailed))
	})

	It("releases every lock of a connection", func() {
		_, err := streams.Open(ctx, "conn-1", "a")
		Expect(err).To(Succeed())
		_, err = streams.Open(ctx, "conn-1", "b")
		Expect(err).To(Succeed())
		_, err = streams.Open(ctx, "conn-2", "c")
		Expect(err).To(Succeed())

		Expect(streams.ReleaseOwner("conn-1")).To(Equal(2))
		Expect(streams.Count()).To(Equal(1))

		_, err = streams.Open(ctx, "conn-2", "a")
		Expect(err).To(Succeed())
	})
})
