package dispatch_test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/lodestar/bulk"
	"github.com/luma/lodestar/cluster"
	"github.com/luma/lodestar/cursor"
	"github.com/luma/lodestar/dispatch"
	"github.com/luma/lodestar/protocol"
	"github.com/luma/lodestar/storage"
	"github.com/luma/lodestar/stream"
	"github.com/luma/lodestar/task"
)

type frames struct {
	mu   sync.Mutex
	data [][]byte
}

func (f *frames) push(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.data = append(f.data, frame)
	return nil
}

func (f *frames) Notifications() []protocol.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()

	notifications := make([]protocol.Notification, 0, len(f.data))
	for _, frame := range f.data {
		resp, err := protocol.ReadResponse(bufio.NewReader(bytes.NewReader(frame)))
		Expect(err).To(Succeed())

		Expect(resp.Type).To(Equal(protocol.RespNotify))
		notifications = append(notifications, protocol.DecodeNotification(resp.Data))
	}
	return notifications
}

var _ = Describe("dispatch / Dispatcher", func() {
	var (
		ctx        context.Context
		engine     *storage.InmemoryStore
		topology   *cluster.Topology
		tasks      *task.Registry
		executor   *task.Executor
		dispatcher *dispatch.Dispatcher
		pushed     *frames
		session    *dispatch.Session
		nextID     uint32
	)

	BeforeEach(func() {
		ctx = context.Background()
		log := zap.NewNop()

		engine = storage.NewInmemoryStore(storage.InmemoryOptions{})
		topology = cluster.NewTopology("10.0.0.1:7800", cluster.View{ID: 5})
		tasks = task.NewRegistry(task.Options{NodeAddress: "10.0.0.1:7800"}, log)
		executor = task.NewExecutor(tasks, engine, task.ExecutorOptions{Workers: 1}, log)
		executor.Start(ctx)

		dispatcher = dispatch.New(dispatch.Options{
			Engine:   engine,
			Topology: topology,
			Streams:  stream.NewManager(engine, stream.Options{}, log),
			Readers:  cursor.NewRegistry(cursor.Options{ChunkSize: 100}, log),
			Tasks:    tasks,
			Executor: executor,
			Bulk:     bulk.NewAggregator(log),
			Log:      log,
		})

		pushed = &frames{}
		session = dispatch.NewSession("127.0.0.1:50000", pushed.push)
		nextID = 0
	})

	AfterEach(func() {
		executor.Close()
		engine.Close()
	})

	// send runs a request through the parser and the dispatcher, like the
	// transport does.
	send := func(s *dispatch.Session, cmd protocol.Command, args *protocol.Payload) []protocol.Response {
		nextID++
		var id protocol.RequestID
		copy(id[:], fmt.Sprintf("%04d", nextID))

		var raw []byte
		if args != nil {
			var err error
			raw, err = args.Build()
			Expect(err).To(Succeed())
		}

		r := bufio.NewReader(bytes.NewReader(protocol.EncodeRequest(id, cmd, raw)))
		req, err := protocol.ReadRequest(r)

		resps := dispatcher.Dispatch(ctx, s, req, err)
		for _, resp := range resps {
			Expect(resp.RequestID).To(Equal(id))
		}
		return resps
	}

	one := func(resps []protocol.Response) *protocol.Response {
		ExpectWithOffset(1, resps).To(HaveLen(1))
		ExpectWithOffset(1, resps[0].Terminal).To(BeTrue())
		return &resps[0]
	}

	kindOf := func(resps []protocol.Response) protocol.ErrorKind {
		resp := one(resps)
		ExpectWithOffset(1, resp.Err).NotTo(BeNil())
		return resp.Err.Kind
	}

	args := protocol.NewPayload

	It("answers PING", func() {
		resp := one(send(session, protocol.PING, nil))
		Expect(resp.Type).To(Equal(protocol.RespPong))
		Expect(resp.Sequence).To(Equal(1))
	})

	It("describes the current view", func() {
		resp := one(send(session, protocol.VIEW, nil))
		Expect(resp.Type).To(Equal(protocol.RespView))
		Expect(resp.Get("viewId").Int()).To(Equal(int64(5)))
		Expect(resp.Get("local").String()).To(Equal("10.0.0.1:7800"))
	})

	Describe("parse failures", func() {
		It("are answered with one ParsingError", func() {
			raw := []byte("0001GET {}\n")
			req, err := protocol.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))

			resps := dispatcher.Dispatch(ctx, session, req, err)
			resp := one(resps)
			Expect(resp.Err.Kind).To(Equal(protocol.KindParsing))
			Expect(resp.RequestID.String()).To(Equal("0001"))
			Expect(resp.Command).To(Equal(protocol.GET))
		})

		It("are dropped when they carry the immature id", func() {
			raw := append(protocol.ImmatureRequestID[:], []byte("BOGUS\n")...)
			req, err := protocol.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
			Expect(err).To(HaveOccurred())

			Expect(dispatcher.Dispatch(ctx, session, req, err)).To(BeEmpty())
		})

		It("are answered for other ids even when the command is unknown", func() {
			raw := []byte("0002BOGUS\n")
			req, err := protocol.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))

			Expect(kindOf(dispatcher.Dispatch(ctx, session, req, err))).To(Equal(protocol.KindParsing))
		})
	})

	Describe("single keys", func() {
		It("sets, gets, checks and removes a key", func() {
			Expect(one(send(session, protocol.SET, args().Set("key", "a").Set("value", []byte("1")))).Type).
				To(Equal(protocol.RespOk))

			resp := one(send(session, protocol.GET, args().Set("key", "a")))
			Expect(resp.Type).To(Equal(protocol.RespValue))
			Expect(resp.Bytes("value")).To(Equal([]byte("1")))

			resp = one(send(session, protocol.CONTAINS, args().Set("key", "a")))
			Expect(resp.Get("value").Bool()).To(BeTrue())

			resp = one(send(session, protocol.COUNT, nil))
			Expect(resp.Get("count").Int()).To(Equal(int64(1)))

			Expect(one(send(session, protocol.REMOVE, args().Set("key", "a"))).Err).To(BeNil())

			Expect(kindOf(send(session, protocol.GET, args().Set("key", "a")))).To(Equal(protocol.KindNotFound))
		})

		It("refuses ADD on an existing key", func() {
			send(session, protocol.SET, args().Set("key", "a").Set("value", []byte("1")))

			Expect(kindOf(send(session, protocol.ADD, args().Set("key", "a").Set("value", []byte("2"))))).
				To(Equal(protocol.KindOperationFailed))
		})

		It("clears the cache", func() {
			send(session, protocol.SET, args().Set("key", "a").Set("value", []byte("1")))
			send(session, protocol.CLEAR, nil)

			Expect(one(send(session, protocol.COUNT, nil)).Get("count").Int()).To(BeZero())
		})
	})

	Describe("key ownership", func() {
		var foreign string

		BeforeEach(func() {
			topology.SetView(cluster.View{ID: 5, Nodes: []string{"10.0.0.1:7800", "10.0.0.2:7800"}})

			for i := 0; foreign == ""; i++ {
				if key := fmt.Sprintf("key:%d", i); topology.Owner(key) == "10.0.0.2:7800" {
					foreign = key
				}
			}
		})

		It("names the owner when a request for another node lands here", func() {
			resps := send(session, protocol.GET, args().Set("key", foreign).Set("recipient", "10.0.0.3:7800"))
			Expect(kindOf(resps)).To(Equal(protocol.KindNotFound))
			Expect(resps[0].Err.Node).To(Equal("10.0.0.2:7800"))

			resps = send(session, protocol.STREAM_OPEN, args().Set("key", foreign).Set("recipient", "10.0.0.3:7800"))
			Expect(resps[0].Err.Node).To(Equal("10.0.0.2:7800"))
		})

		It("serves requests addressed to this node or to nobody", func() {
			send(session, protocol.SET, args().Set("key", foreign).Set("value", []byte("1")))

			Expect(one(send(session, protocol.GET, args().Set("key", foreign))).Err).To(BeNil())
			Expect(one(send(session, protocol.GET, args().
				Set("key", foreign).
				Set("recipient", "10.0.0.1:7800"))).Err).To(BeNil())
		})
	})

	Describe("key notifications", func() {
		It("pushes updates and removals to registered callbacks", func() {
			resp := one(send(session, protocol.KEY_REGISTER, args().Set("key", "a").Set("callback", "cb-k")))
			Expect(resp.Err).To(BeNil())

			other := dispatch.NewSession("127.0.0.1:50001", nil)
			send(other, protocol.SET, args().Set("key", "a").Set("value", []byte("1")))
			send(other, protocol.SET, args().Set("key", "b").Set("value", []byte("1")))
			send(other, protocol.BULK_REMOVE, args().Set("keys", []string{"a", "b"}))

			notifications := pushed.Notifications()
			Expect(notifications).To(HaveLen(2))
			Expect(notifications[0].Key).To(Equal("a"))
			Expect(notifications[0].Event).To(Equal(protocol.KeyUpdated))
			Expect(notifications[0].CallbackID).To(Equal("cb-k"))
			Expect(notifications[0].Sequence).To(Equal(uint64(1)))
			Expect(notifications[1].Event).To(Equal(protocol.KeyRemoved))
			Expect(notifications[1].Sequence).To(Equal(uint64(2)))
		})

		It("reports a clear as a removal of every watched key", func() {
			send(session, protocol.KEY_REGISTER, args().Set("key", "a").Set("callback", "cb-k"))
			send(session, protocol.CLEAR, nil)

			notifications := pushed.Notifications()
			Expect(notifications).To(HaveLen(1))
			Expect(notifications[0].Event).To(Equal(protocol.KeyRemoved))
		})

		It("stops after unregistering", func() {
			send(session, protocol.KEY_REGISTER, args().Set("key", "a").Set("callback", "cb-k"))
			Expect(dispatcher.Stats().Watchers).To(Equal(1))

			Expect(one(send(session, protocol.KEY_UNREGISTER, args().Set("key", "a").Set("callback", "cb-k"))).Err).
				To(BeNil())
			Expect(one(send(session, protocol.KEY_UNREGISTER, args().Set("key", "a").Set("callback", "cb-k"))).Err).
				To(BeNil())

			send(session, protocol.SET, args().Set("key", "a").Set("value", []byte("1")))
			Expect(pushed.Notifications()).To(BeEmpty())
			Expect(dispatcher.Stats().Watchers).To(BeZero())
		})

		It("pushes stream writes as updates", func() {
			send(session, protocol.KEY_REGISTER, args().Set("key", "doc1").Set("callback", "cb-k"))
			send(session, protocol.STREAM_WRITE, args().Set("key", "doc1").Set("buffer", []byte{1}))

			notifications := pushed.Notifications()
			Expect(notifications).To(HaveLen(1))
			Expect(notifications[0].Key).To(Equal("doc1"))
		})
	})

	Describe("view fencing", func() {
		It("refuses data commands from a stale view", func() {
			resps := send(session, protocol.GET, args().Set("key", "a").Set("view", 4))
			Expect(kindOf(resps)).To(Equal(protocol.KindStaleView))
		})

		It("accepts the current view and clients without one", func() {
			send(session, protocol.SET, args().Set("key", "a").Set("value", []byte("1")))

			Expect(one(send(session, protocol.GET, args().Set("key", "a").Set("view", 5))).Err).To(BeNil())
			Expect(one(send(session, protocol.GET, args().Set("key", "a"))).Err).To(BeNil())
		})

		It("lets a stale client refresh its view", func() {
			Expect(one(send(session, protocol.VIEW, args().Set("view", 1))).Err).To(BeNil())
			Expect(one(send(session, protocol.PING, args().Set("view", 1))).Err).To(BeNil())
		})
	})

	Describe("bulk operations", func() {
		It("reports per key failures on success", func() {
			send(session, protocol.SET, args().Set("key", "b").Set("value", []byte("old")))

			resp := one(send(session, protocol.BULK_ADD, args().
				Set("items", []map[string]interface{}{
					{"key": "a", "value": []byte("1")},
					{"key": "b", "value": []byte("2")},
					{"key": "c", "value": []byte("3")},
				}).
				Set("recipient", "10.0.0.1:7800")))

			Expect(resp.Type).To(Equal(protocol.RespBulk))
			Expect(resp.Get("succeeded").Array()).To(HaveLen(2))
			Expect(resp.Get("failed.#").Int()).To(Equal(int64(1)))
			Expect(resp.Get("failed.0.key").String()).To(Equal("b"))
			Expect(resp.Get("failed.0.kind").String()).To(Equal("OperationFailed"))
			Expect(resp.Get("recipient").String()).To(Equal("10.0.0.1:7800"))
		})

		It("reads several keys at once", func() {
			send(session, protocol.SET, args().Set("key", "a").Set("value", []byte("1")))
			send(session, protocol.SET, args().Set("key", "c").Set("value", []byte("3")))

			resp := one(send(session, protocol.BULK_GET, args().Set("keys", []string{"a", "b", "c"})))
			Expect(resp.Type).To(Equal(protocol.RespValues))
			Expect(resp.Get("values.#").Int()).To(Equal(int64(2)))
			Expect(resp.Get("values.1.key").String()).To(Equal("c"))
			Expect(resp.Bytes("values.1.value")).To(Equal([]byte("3")))
			Expect(resp.Get("failed.0.key").String()).To(Equal("b"))
			Expect(resp.Get("failed.0.kind").String()).To(Equal("NotFound"))

			Expect(kindOf(send(session, protocol.BULK_GET, args().Set("keys", []string{"x"})))).
				To(Equal(protocol.KindAggregate))
		})

		It("fails with an Aggregate error when every key fails", func() {
			resps := send(session, protocol.BULK_REMOVE, args().Set("keys", []string{"x", "y"}))

			resp := one(resps)
			Expect(resp.Err.Kind).To(Equal(protocol.KindAggregate))
			Expect(resp.Err.Errors).To(HaveLen(2))
		})
	})

	Describe("readers", func() {
		BeforeEach(func() {
			for i := 0; i < 250; i++ {
				Expect(engine.Insert(ctx, fmt.Sprintf("item:%03d", i), []byte{byte(i)})).To(Succeed())
			}
		})

		It("enumerates every key without opening a reader", func() {
			resps := send(session, protocol.ENUMERATE, nil)
			Expect(resps).To(HaveLen(3))

			keys := 0
			for i, resp := range resps {
				Expect(resp.Type).To(Equal(protocol.RespKeys))
				Expect(resp.Sequence).To(Equal(i + 1))
				Expect(resp.Terminal).To(Equal(i == 2))
				Expect(resp.Get("reader").Exists()).To(BeFalse())
				keys += len(resp.Get("keys").Array())
			}
			Expect(keys).To(Equal(250))
		})

		It("answers small searches inline", func() {
			resp := one(send(session, protocol.SEARCH, args().Set("pattern", "item:00*")))
			Expect(resp.Type).To(Equal(protocol.RespChunk))
			Expect(resp.Get("items.#").Int()).To(Equal(int64(10)))
			Expect(resp.Get("terminal").Bool()).To(BeTrue())
		})

		It("pages large searches through a reader", func() {
			resp := one(send(session, protocol.SEARCH, args().Set("pattern", "item:*")))
			Expect(resp.Type).To(Equal(protocol.RespReader))
			Expect(resp.Get("total").Int()).To(Equal(int64(250)))
			Expect(resp.Get("nextIndex").Int()).To(BeZero())

			reader := resp.Get("reader").String()
			chunk := func(index int) []protocol.Response {
				return send(session, protocol.NEXT_CHUNK, args().Set("reader", reader).Set("index", index))
			}

			resp = one(chunk(0))
			Expect(resp.Get("items.#").Int()).To(Equal(int64(100)))
			Expect(resp.Get("nextIndex").Int()).To(Equal(int64(100)))
			Expect(resp.Get("terminal").Bool()).To(BeFalse())

			resp = one(chunk(100))
			Expect(resp.Get("nextIndex").Int()).To(Equal(int64(200)))

			resp = one(chunk(200))
			Expect(resp.Get("items.#").Int()).To(Equal(int64(50)))
			Expect(resp.Get("items.49.key").String()).To(Equal("item:249"))
			Expect(resp.Get("terminal").Bool()).To(BeTrue())

			Expect(kindOf(chunk(50))).To(Equal(protocol.KindStaleCursor))

			Expect(one(send(session, protocol.DISPOSE_READER, args().Set("reader", reader))).Err).To(BeNil())
			Expect(kindOf(chunk(250))).To(Equal(protocol.KindNotFound))
		})

		It("keeps readers away from other connections", func() {
			reader := one(send(session, protocol.SEARCH, args().Set("pattern", "item:*"))).Get("reader").String()

			other := dispatch.NewSession("127.0.0.1:50001", nil)
			resps := send(other, protocol.NEXT_CHUNK, args().Set("reader", reader).Set("index", 0))
			Expect(kindOf(resps)).To(Equal(protocol.KindInvalidHandle))
		})

		It("points chunk requests for unknown readers at the node they name", func() {
			resps := send(session, protocol.NEXT_CHUNK, args().
				Set("reader", "elsewhere").
				Set("index", 0).
				Set("node", "10.0.0.9:7800"))
			Expect(kindOf(resps)).To(Equal(protocol.KindNotFound))
			Expect(resps[0].Err.Node).To(Equal("10.0.0.9:7800"))
		})

		It("serves local readers whatever node the client names", func() {
			topology.SetView(cluster.View{ID: 5, Nodes: []string{"10.0.0.1:7800", "10.0.0.2:7800"}})

			resp := one(send(session, protocol.SEARCH, args().Set("pattern", "item:*")))
			Expect(resp.Get("node").String()).To(Equal("10.0.0.1:7800"))
			reader := resp.Get("reader").String()

			resp = one(send(session, protocol.NEXT_CHUNK, args().
				Set("reader", reader).
				Set("index", 0).
				Set("node", "10.0.0.9:7800")))
			Expect(resp.Err).To(BeNil())
			Expect(resp.Get("node").String()).To(Equal("10.0.0.1:7800"))
		})
	})

	Describe("streams", func() {
		It("runs the lock, write, read, length, close cycle", func() {
			resp := one(send(session, protocol.STREAM_OPEN, args().Set("key", "doc1")))
			Expect(resp.Type).To(Equal(protocol.RespHandle))
			handle := resp.Get("handle").String()

			resp = one(send(session, protocol.STREAM_WRITE, args().
				Set("key", "doc1").
				Set("handle", handle).
				Set("buffer", []byte{1, 2, 3})))
			Expect(resp.Err).To(BeNil())

			resp = one(send(session, protocol.STREAM_READ, args().
				Set("key", "doc1").
				Set("handle", handle).
				Set("length", 3)))
			Expect(resp.Bytes("data")).To(Equal([]byte{1, 2, 3}))

			resp = one(send(session, protocol.STREAM_LENGTH, args().Set("key", "doc1").Set("handle", handle)))
			Expect(resp.Get("length").Int()).To(Equal(int64(3)))

			Expect(one(send(session, protocol.STREAM_CLOSE, args().Set("key", "doc1").Set("handle", handle))).Err).
				To(BeNil())

			resps := send(session, protocol.STREAM_READ, args().Set("key", "doc1").Set("handle", handle).Set("length", 3))
			Expect(kindOf(resps)).To(Equal(protocol.KindInvalidHandle))
		})

		It("returns the implicitly acquired handle", func() {
			resp := one(send(session, protocol.STREAM_WRITE, args().Set("key", "doc2").Set("buffer", []byte{7})))
			Expect(resp.Get("handle").String()).NotTo(BeEmpty())
		})
	})

	Describe("tasks", func() {
		BeforeEach(func() {
			Expect(engine.Insert(ctx, "job:1", []byte("a"))).To(Succeed())
			Expect(engine.Insert(ctx, "job:2", []byte("b"))).To(Succeed())
		})

		status := func(taskID string) func() string {
			return func() string {
				resp := one(send(session, protocol.TASK_PROGRESS, args().Set("task", taskID)))
				return resp.Get("status").String()
			}
		}

		It("runs a task and serves its records", func() {
			resp := one(send(session, protocol.TASK_RUN, args().Set("pattern", "job:*")))
			Expect(resp.Type).To(Equal(protocol.RespTask))
			taskID := resp.Get("task").String()

			Eventually(status(taskID), time.Second).Should(Equal("Completed"))

			resp = one(send(session, protocol.TASK_ENUMERATE, args().Set("task", taskID).Set("callback", "cb-1")))
			Expect(resp.Type).To(Equal(protocol.RespRecords))
			Expect(resp.Get("records.#").Int()).To(Equal(int64(2)))
			Expect(resp.Get("last").Bool()).To(BeTrue())

			resp = one(send(session, protocol.TASK_NEXT_RECORD, args().
				Set("task", taskID).
				Set("callback", "cb-1").
				Set("clientAddr", "127.0.0.1:50000")))
			Expect(resp.Get("last").Bool()).To(BeTrue())
			Expect(resp.Get("node").String()).To(Equal("10.0.0.1:7800"))
		})

		It("pushes notifications to registered callbacks", func() {
			taskID := tasks.Create(session.ID, nil)

			resp := one(send(session, protocol.TASK_CALLBACK, args().Set("task", taskID).Set("callback", "cb-1")))
			Expect(resp.Err).To(BeNil())

			Expect(tasks.Transition(taskID, task.StatusRunning, "")).To(Succeed())
			Expect(one(send(session, protocol.TASK_CANCEL, args().Set("task", taskID))).Err).To(BeNil())

			// cancelling again is acknowledged
			Expect(one(send(session, protocol.TASK_CANCEL, args().Set("task", taskID))).Err).To(BeNil())

			notifications := pushed.Notifications()
			Expect(notifications).To(HaveLen(2))
			Expect(notifications[0].Status).To(Equal("Running"))
			Expect(notifications[1].Status).To(Equal("Cancelled"))
			Expect(notifications[1].ClientID).To(Equal(session.ID))
		})

		It("lets only the starting connection cancel a task", func() {
			taskID := tasks.Create(session.ID, nil)

			other := dispatch.NewSession("127.0.0.1:50001", nil)
			resps := send(other, protocol.TASK_CANCEL, args().Set("task", taskID))
			Expect(kindOf(resps)).To(Equal(protocol.KindInvalidHandle))

			Expect(one(send(session, protocol.TASK_CANCEL, args().Set("task", taskID))).Err).To(BeNil())
		})

		It("reports unknown tasks as not found", func() {
			Expect(kindOf(send(session, protocol.TASK_PROGRESS, args().Set("task", "nope")))).
				To(Equal(protocol.KindNotFound))
		})
	})

	It("releases everything a session owns", func() {
		send(session, protocol.STREAM_OPEN, args().Set("key", "doc1"))
		for i := 0; i < 150; i++ {
			Expect(engine.Insert(ctx, fmt.Sprintf("item:%03d", i), nil)).To(Succeed())
		}
		send(session, protocol.SEARCH, args().Set("pattern", "item:*"))
		send(session, protocol.KEY_REGISTER, args().Set("key", "item:001").Set("callback", "cb-k"))

		for i := 0; i < 5; i++ {
			taskID := one(send(session, protocol.TASK_RUN, args().Set("pattern", "item:00*"))).Get("task").String()
			Eventually(func() string {
				return one(send(session, protocol.TASK_PROGRESS, args().Set("task", taskID))).Get("status").String()
			}, time.Second).Should(Equal("Completed"))
		}

		stats := dispatcher.Stats()
		Expect(stats.Streams).To(Equal(1))
		Expect(stats.Readers).To(Equal(1))
		Expect(stats.Tasks).To(Equal(5))
		Expect(stats.Watchers).To(Equal(1))

		dispatcher.Release(session)

		stats = dispatcher.Stats()
		Expect(stats.Streams).To(BeZero())
		Expect(stats.Readers).To(BeZero())
		Expect(stats.Tasks).To(BeZero())
		Expect(stats.Watchers).To(BeZero())
		Expect(stats.ViewID).To(Equal(int64(5)))
	})
})
