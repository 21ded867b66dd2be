package protocol

// This package implements parsing and serialising of the payloads for the
// protocol that Lodestar uses to communicate with its clients.
//
// The protocol aims to be
//
// - easy to implement
// - cheap to parse
// - human readable, apart from the request id
//
// - `Command` - A client instruction to Lodestar.
// - `Request` - When a client sends a command to a Lodestar server.
// - `Response` - When a server answers a request. One request may be answered
//                by several responses, the last one is marked terminal.
// - `Notification` - A task state change, or a change to a watched key,
//                    pushed to a subscribed client.
//
// === General Syntax
//
// Every request starts with a 4 byte request ID, followed by the command
// name, and optionally a space and a JSON object with the arguments:
//
//   ```
//     <reqID>SREAD {"key":"doc1","handle":"9f1c..","offset":0,"length":3}\n
//   ```
//
// The request ID is treated as a 32bit binary blob by the server so the client
// can construct it however it likes, apart from two reserved values: `****`
// frames notifications and 0xFEFFFFFF is the immature id a client uses before
// it has one. Malformed requests carrying the immature id are dropped without
// a reply.
//
// Arguments every command understands:
//
// - `view` - the last topology view id the client saw. Data commands sent with
//            a view older than the server's are refused with StaleView.
// - `recipient` - the node the client meant to reach.
//
// Binary values (`value`, `buffer`) are base64 encoded JSON strings.
//
// === Responses
//
//   ```
//     <reqID><TYPE> {"cmd":"SREAD","seq":1,"last":true,"data":{...}}\r\n
//   ```
//
// === Error responses
//
//   ```
//     <reqID>ERR {"cmd":"SREAD","kind":"InvalidHandle","detail":"..."}\r\n
//   ```
//
// `kind` is one of ParsingError, OperationFailed, InvalidHandle, StaleCursor,
// StaleView, NotFound, Configuration, Aggregate or NotSupported. Aggregate
// errors list every inner failure under `errors`. A request sent to a node
// that does not own its key is refused with NotFound and `node` naming the
// owner.
//
// === Readers
//
// SEARCH answers small result sets inline. Larger ones open a reader:
//
//   ```
//     > <reqID>SEARCH {"pattern":"user:*"}\n
//     < <reqID>READER {..,"data":{"reader":"ab12..","total":250,"index":0,"node":"10.0.0.1:7363"}}\r\n
//     > <reqID>NEXTCHUNK {"reader":"ab12..","index":0}\n
//     < <reqID>CHUNK {..,"last":false,"data":{"items":[..],"index":100}}\r\n
//   ```
//
// The index sent must be the one returned by the previous chunk, anything else
// is refused with StaleCursor.
//
// === Notifications
//
//   ```
//     ****NOTIFY {"task":"..","callback":"cb1","status":"Completed","seq":2}\r\n
//     ****NOTIFY {"key":"user:1","event":"Removed","callback":"cb2","seq":1}\r\n
//   ```
//
// Notifications can be redelivered. `seq` grows with every task state change,
// or every event on a watched key, so clients can drop the ones they have
// already seen.
//
