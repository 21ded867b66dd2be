package protocol

type RequestID [4]byte

var (
	// ImmatureRequestID is what a client sends before it has been assigned a
	// proper request id. Parse failures carrying it are never answered.
	ImmatureRequestID = RequestID{0xfe, 0xff, 0xff, 0xff}

	// NotifyRequestID prefixes server pushed notifications. Clients must not
	// use it for their own requests.
	NotifyRequestID = RequestID{'*', '*', '*', '*'}
)

func (r RequestID) String() string {
	return string(r[:])
}

// Reserved reports whether the id is one clients may not pick.
func (r RequestID) Reserved() bool {
	return r == ImmatureRequestID || r == NotifyRequestID
}

type Request interface {
	GetRequestID() RequestID
	GetCommand() Command
	GetHeader() Header
}

// Header carries the fields every request has.
type Header struct {
	ID      RequestID
	Command Command

	// LastViewID is the topology version the client last saw, 0 if it has
	// not seen one yet.
	LastViewID int64

	// IntendedRecipient optionally names the node the client meant to reach
	IntendedRecipient string
}

func (h Header) GetRequestID() RequestID {
	return h.ID
}

func (h Header) GetCommand() Command {
	return h.Command
}

func (h Header) GetHeader() Header {
	return h
}

// SimpleRequest is a command without arguments: QUIT, PING, VIEW, COUNT,
// CLEAR and ENUMERATE.
type SimpleRequest struct {
	Header
}

// KeyRequest addresses a single cache entry.
type KeyRequest struct {
	Header
	Key   string
	Value []byte
}

type KeyValue struct {
	Key   string
	Value []byte
}

// BulkRequest carries several entries. Values are empty for BREMOVE and
// BGET.
type BulkRequest struct {
	Header
	Items []KeyValue
}

func (b BulkRequest) Keys() []string {
	keys := make([]string, len(b.Items))
	for i, item := range b.Items {
		keys[i] = item.Key
	}
	return keys
}

// WatchRequest subscribes the callback to changes of one key, or cancels
// that subscription.
type WatchRequest struct {
	Header
	Key        string
	CallbackID string
}

// SearchRequest selects keys by a glob pattern. Used by SEARCH and TRUN.
type SearchRequest struct {
	Header
	Pattern string
}

// ChunkRequest asks for the next page of a reader, or disposes of it.
type ChunkRequest struct {
	Header
	ReaderID  string
	NextIndex int
	NodeHint  string
}

// StreamRequest covers the byte range operations on a locked value.
type StreamRequest struct {
	Header
	Key    string
	Handle string

	// Offset is the read position for SREAD
	Offset int64

	// SrcOffset indexes Buffer, DstOffset indexes the stored value
	SrcOffset int
	DstOffset int64

	Length int
	Buffer []byte
}

// TaskRequest addresses a background task, and for the pull operations the
// callback id that names the reader.
type TaskRequest struct {
	Header
	TaskID     string
	CallbackID string

	// ClientAddr and ClusterAddr are diagnostic only
	ClientAddr  string
	ClusterAddr string
}

var _ Request = SimpleRequest{}
var _ Request = KeyRequest{}
var _ Request = BulkRequest{}
var _ Request = WatchRequest{}
var _ Request = SearchRequest{}
var _ Request = ChunkRequest{}
var _ Request = StreamRequest{}
var _ Request = TaskRequest{}
