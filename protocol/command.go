package protocol

type Command string

const (
	QUIT Command = "QUIT"
	PING Command = "PING"
	VIEW Command = "VIEW"

	GET      Command = "GET"
	SET      Command = "SET"
	ADD      Command = "ADD"
	REMOVE   Command = "REMOVE"
	CONTAINS Command = "CONTAINS"
	COUNT    Command = "COUNT"
	CLEAR    Command = "CLEAR"

	BULK_INSERT Command = "BINSERT"
	BULK_ADD    Command = "BADD"
	BULK_REMOVE Command = "BREMOVE"
	BULK_GET    Command = "BGET"

	KEY_REGISTER   Command = "KREGISTER"
	KEY_UNREGISTER Command = "KUNREGISTER"

	ENUMERATE      Command = "ENUMERATE"
	SEARCH         Command = "SEARCH"
	NEXT_CHUNK     Command = "NEXTCHUNK"
	DISPOSE_READER Command = "DISPOSEREADER"

	STREAM_OPEN   Command = "SOPEN"
	STREAM_READ   Command = "SREAD"
	STREAM_WRITE  Command = "SWRITE"
	STREAM_LENGTH Command = "SLEN"
	STREAM_CLOSE  Command = "SCLOSE"

	TASK_RUN         Command = "TRUN"
	TASK_CALLBACK    Command = "TCALLBACK"
	TASK_CANCEL      Command = "TCANCEL"
	TASK_PROGRESS    Command = "TPROGRESS"
	TASK_ENUMERATE   Command = "TENUM"
	TASK_NEXT_RECORD Command = "TNEXT"
)

// Commands lists every command the server understands.
var Commands = []Command{
	QUIT, PING, VIEW,
	GET, SET, ADD, REMOVE, CONTAINS, COUNT, CLEAR,
	BULK_INSERT, BULK_ADD, BULK_REMOVE, BULK_GET,
	KEY_REGISTER, KEY_UNREGISTER,
	ENUMERATE, SEARCH, NEXT_CHUNK, DISPOSE_READER,
	STREAM_OPEN, STREAM_READ, STREAM_WRITE, STREAM_LENGTH, STREAM_CLOSE,
	TASK_RUN, TASK_CALLBACK, TASK_CANCEL, TASK_PROGRESS, TASK_ENUMERATE, TASK_NEXT_RECORD,
}

var knownCommands = func() map[string]Command {
	m := make(map[string]Command, len(Commands))
	for _, c := range Commands {
		m[string(c)] = c
	}
	return m
}()

type ResponseType string

const (
	RespPong    ResponseType = "PONG"
	RespOk      ResponseType = "OK"
	RespErr     ResponseType = "ERR"
	RespView    ResponseType = "VIEW"
	RespValue   ResponseType = "VALUE"
	RespBool    ResponseType = "BOOL"
	RespCount   ResponseType = "COUNT"
	RespBulk    ResponseType = "BULK"
	RespValues  ResponseType = "VALUES"
	RespKeys    ResponseType = "KEYS"
	RespReader  ResponseType = "READER"
	RespChunk   ResponseType = "CHUNK"
	RespHandle  ResponseType = "HANDLE"
	RespData    ResponseType = "DATA"
	RespLength  ResponseType = "LENGTH"
	RespTask    ResponseType = "TASK"
	RespStatus  ResponseType = "STATUS"
	RespRecords ResponseType = "RECORDS"
	RespRecord  ResponseType = "RECORD"
	RespNotify  ResponseType = "NOTIFY"
)
