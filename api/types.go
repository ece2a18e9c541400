package api

import "fmt"

// Code is the canonical result code attached to every call response.
type Code int

const (
	// CodeOK reports success.
	CodeOK Code = 0
	// CodeInternalError reports an unexpected failure inside the peer.
	CodeInternalError Code = 1
	// CodeTimeout reports that the peer gave up waiting on a dependency.
	CodeTimeout Code = 2
	// CodeNotImplemented reports an unknown call kind.
	CodeNotImplemented Code = 3
	// CodeConnectionReset reports that the channel was torn down mid-call.
	CodeConnectionReset Code = 4
	// CodeClientError reports a malformed or rejected request.
	CodeClientError Code = 5
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInternalError:
		return "internal_error"
	case CodeTimeout:
		return "timeout"
	case CodeNotImplemented:
		return "not_implemented"
	case CodeConnectionReset:
		return "connection_reset"
	case CodeClientError:
		return "client_error"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// LeaseAction selects the lease operation carried by a resourcePut call.
type LeaseAction int

const (
	// ActionAcquireShared requests a shared (reader) lease.
	ActionAcquireShared LeaseAction = 0
	// ActionAcquireExclusive requests an exclusive (writer) lease.
	ActionAcquireExclusive LeaseAction = 1
	// ActionRelease releases a granted lease or cancels a pending one.
	ActionRelease LeaseAction = 2
)

func (a LeaseAction) String() string {
	switch a {
	case ActionAcquireShared:
		return "acquire_shared"
	case ActionAcquireExclusive:
		return "acquire_exclusive"
	case ActionRelease:
		return "release"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// CallKind names a message kind carried over the channel.
type CallKind string

const (
	// KindResourcePut acquires or releases a lease on a named resource.
	KindResourcePut CallKind = "resourcePut"
	// KindStreamPush carries one chunk of a multiplexed byte stream.
	KindStreamPush CallKind = "streamPush"
	// KindResourceNotification wakes a pending lease acquisition.
	KindResourceNotification CallKind = "resourceNotification"
	// KindInvoke triggers a worker-side invocation. Workers built on this
	// module answer it with CodeNotImplemented unless a handler is installed.
	KindInvoke CallKind = "invoke"

	// KindPageRead reads every record of a page.
	KindPageRead CallKind = "pageRead"
	// KindPageWrite replaces every record of a page.
	KindPageWrite CallKind = "pageWrite"
	// KindPageCreate creates an empty page unless it already exists.
	KindPageCreate CallKind = "pageCreate"
	// KindPageDelete removes a page and its content objects.
	KindPageDelete CallKind = "pageDelete"
	// KindPageList enumerates pages within a namespace.
	KindPageList CallKind = "pageList"
	// KindObjectRead streams a content object back to the caller.
	KindObjectRead CallKind = "objectRead"
	// KindObjectWrite consumes a caller stream into a content object.
	KindObjectWrite CallKind = "objectWrite"
	// KindObjectDelete removes a content object.
	KindObjectDelete CallKind = "objectDelete"
)

// ResourcePutRequest models the params of a resourcePut call.
type ResourcePutRequest struct {
	// ResourceID names the externally durable resource, e.g. "[CachePage]v1/assets".
	ResourceID string `cbor:"resource_id" json:"resource_id"`
	// Action selects acquire (shared/exclusive) or release.
	Action LeaseAction `cbor:"action" json:"action"`
	// Token is empty on acquire and carries the held token on release.
	Token string `cbor:"token,omitempty" json:"token,omitempty"`
}

// ResourcePutResponse is the synchronous answer of the lock authority.
type ResourcePutResponse struct {
	// Granted reports whether the lease was granted immediately.
	Granted bool `cbor:"granted" json:"granted"`
	// Token identifies the lease (granted) or the queued request (pending).
	Token string `cbor:"token" json:"token"`
}

// ErrorResponse is the body attached to non-OK responses.
type ErrorResponse struct {
	// Code repeats the canonical code of the response.
	Code Code `cbor:"code" json:"code"`
	// Reason is a stable machine-readable discriminator such as "quota_exceeded".
	Reason string `cbor:"reason,omitempty" json:"reason,omitempty"`
	// Message is a human-readable description.
	Message string `cbor:"message,omitempty" json:"message,omitempty"`
}

// Record is one stored (key-descriptor, value-descriptor) pair of a page.
type Record struct {
	// Key is the encoded key descriptor.
	Key []byte `cbor:"key" json:"key"`
	// Meta is the encoded value descriptor (status, headers, flags).
	Meta []byte `cbor:"meta,omitempty" json:"meta,omitempty"`
	// Body holds the value payload when it is stored inline.
	Body []byte `cbor:"body,omitempty" json:"body,omitempty"`
	// ObjectID names the content object holding the payload when it is not inline.
	ObjectID string `cbor:"object_id,omitempty" json:"object_id,omitempty"`
	// Size is the payload size in bytes.
	Size int64 `cbor:"size" json:"size"`
}

// Inline reports whether the payload lives in the record itself.
func (r Record) Inline() bool {
	return r.ObjectID == ""
}

// PageRef addresses a page within a namespace.
type PageRef struct {
	// Namespace groups pages, e.g. "caches" or "kv".
	Namespace string `cbor:"namespace" json:"namespace"`
	// Page names the page within the namespace.
	Page string `cbor:"page" json:"page"`
}

// PageReadResponse carries the records of a page.
type PageReadResponse struct {
	// Found is false when the page does not exist.
	Found bool `cbor:"found" json:"found"`
	// Records lists every record in stored order.
	Records []Record `cbor:"records,omitempty" json:"records,omitempty"`
}

// PageWriteRequest replaces the records of a page.
type PageWriteRequest struct {
	PageRef
	// Records is the complete new content of the page.
	Records []Record `cbor:"records" json:"records"`
}

// PageCreateResponse reports whether pageCreate created the page.
type PageCreateResponse struct {
	// Created is false when the page already existed.
	Created bool `cbor:"created" json:"created"`
}

// PageDeleteResponse reports whether pageDelete removed anything.
type PageDeleteResponse struct {
	// Deleted is false when the page did not exist.
	Deleted bool `cbor:"deleted" json:"deleted"`
}

// PageListRequest enumerates pages of a namespace.
type PageListRequest struct {
	// Namespace selects the namespace to list.
	Namespace string `cbor:"namespace" json:"namespace"`
	// Prefix restricts results to page names with this prefix.
	Prefix string `cbor:"prefix,omitempty" json:"prefix,omitempty"`
}

// PageListResponse lists page names in ascending order.
type PageListResponse struct {
	// Pages are the matching page names.
	Pages []string `cbor:"pages" json:"pages"`
}

// ObjectRequest addresses a content object and, for reads and writes, the
// stream carrying its bytes.
type ObjectRequest struct {
	PageRef
	// ObjectID names the object within the page.
	ObjectID string `cbor:"object_id" json:"object_id"`
	// StreamID is the multiplexed stream carrying the object bytes.
	StreamID uint32 `cbor:"stream_id,omitempty" json:"stream_id,omitempty"`
}

// ObjectResponse acknowledges an object operation.
type ObjectResponse struct {
	// Size is the number of bytes read or written.
	Size int64 `cbor:"size" json:"size"`
	// Found is false when objectRead or objectDelete found nothing.
	Found bool `cbor:"found" json:"found"`
}
