// Package comm defines the wire contract between ranks: message tags,
// return codes, packed message bodies, and the Transport interface the
// runtime requires of the underlying messaging layer.
//
// The package also ships an in-process Mesh transport backed by per-rank
// mailboxes. Tests and the cluster simulator run whole clusters over it;
// a production deployment substitutes its own Transport.
package comm

// Tag identifies the kind of a point-to-point message. The tag space is a
// small enumeration (well under 128 values), partitioned into messages
// incoming to servers, responses outgoing from servers, and the work
// payload tag used between any pair of ranks.
type Tag int32

const (
	TagNull Tag = iota

	// Task operations, incoming to a server.
	TagPut
	TagGet
	TagIget

	// Data operations, incoming to a server.
	TagCreate
	TagMulticreate
	TagExists
	TagStoreHeader
	TagStoreSubscript
	TagStorePayload
	TagRetrieve
	TagEnumerate
	TagSubscribe
	TagPermanent
	TagRefcountIncr
	TagGetRefcounts
	TagInsertAtomic
	TagUnique
	TagTypeof
	TagContainerTypeof
	TagContainerReference
	TagContainerSize
	TagLock
	TagUnlock

	// Server-to-server and control traffic.
	TagSyncRequest
	TagCheckIdle
	TagShutdownWorker
	TagShutdownServer

	// Outgoing from a server.
	TagResponse
	TagResponsePut
	TagResponseGet
	TagResponseSteal
	TagSyncResponse
	TagWorkUnit
	TagFail

	// Work unit payload, between any pair of ranks.
	TagWork
)

// Code is the cross-rank return code. Success is the only positive value;
// Error is the only fatal one.
type Code int32

const (
	Success Code = 1
	// Error is a fatal failure.
	Error Code = -1
	// Rejected means out of memory or double assignment; recoverable by
	// retry or local handling.
	Rejected Code = -2
	// Shutdown indicates normal cluster shutdown.
	Shutdown Code = -3
	// Nothing is a semantic empty result, not an error.
	Nothing Code = -4
	// Retry tells the caller to resubmit, e.g. with a larger buffer.
	Retry Code = -5
	// Done marks the end of a stream.
	Done Code = -6
)

// DataCode refines errors from the data layer. It crosses the wire in
// response headers.
type DataCode int32

const (
	DataSuccess DataCode = iota
	DataOOM
	DataDoubleDeclare
	DataDoubleWrite
	DataUnset
	DataNotFound
	DataSubscriptNotFound
	DataNumberFormat
	DataInvalid
	DataNull
	DataType
	DataRefcountNegative
	DataLimit
	DataBufferTooSmall
	DataDone
	DataUnknown
)

// RankAny is the wildcard rank: as a Put target it means any worker may
// run the task, as a Recv source it matches any sender.
const RankAny = -100

// RankNull is the absent-rank sentinel.
const RankNull = -200

// SyncMode selects what an accepted server-to-server sync will serve.
type SyncMode int32

const (
	// SyncModeRequest asks the peer to serve a follow-up RPC.
	SyncModeRequest SyncMode = iota
	// SyncModeSteal asks the peer to hand over queued work.
	SyncModeSteal
)
