// Package nsproto defines the wire contract the namespace service manager
// consumes from a metadata server: the DataProtocol RPCs used during
// handshake/register, and an opaque handle to the AdminProtocol channel
// that is handed, unexamined, to the offer-service layer.
//
// The client stubs here follow the same shape protoc-gen-go-grpc would
// produce (a struct wrapping a grpc.ClientConnInterface, one method per
// RPC, invoked by fully-qualified method name) because that is how the
// teacher's own generated manager/agent clients are consumed
// (rpc.NewManagerClient(conn) in cmd/traffic/cmd/agent/client.go). The
// .proto definitions and code generation themselves are out of scope for
// this repository; DataProtocol is the contract the core requires.
//
// Unlike the teacher's own RPCs, these messages are plain Go structs, not
// generated protobuf types, so the wire types here are marshaled with the
// jsonCodec below (registered per-call via grpc.ForceCodec) rather than
// grpc's default proto codec, which requires proto.Message.
package nsproto

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// NamespaceInfo is the handshake result: the on-disk layout version, the
// namespace identifier assigned by the metadata server, and the build
// version of the metadata server's software.
type NamespaceInfo struct {
	NamespaceID   int64  `json:"namespaceId"`
	LayoutVersion int32  `json:"layoutVersion"`
	BuildVersion  string `json:"buildVersion"`
}

// DatanodeRegistration is the registration record exchanged by Register.
// StorageID is adopted by the owning ServicePair on first success and
// must be echoed identically by subsequent Register calls.
type DatanodeRegistration struct {
	StorageID    string `json:"storageId"`
	DatanodeUUID string `json:"datanodeUuid"`
	TransferAddr string `json:"transferAddr"`
	InfoAddr     string `json:"infoAddr"`
}

// Severity classifies an ErrorReport.
type Severity int32

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityFatal
)

// RemoteErrorKind tags a remote error reply with one of the classes that,
// per spec, are fatal for the whole data node.
type RemoteErrorKind int32

const (
	RemoteErrorNone RemoteErrorKind = iota
	RemoteErrorUnregistered
	RemoteErrorDisallowed
	RemoteErrorIncorrectVersion
)

// RemoteError is returned by a DataProtocol RPC when the metadata server
// rejects the call with one of the tagged classes above (as opposed to a
// plain transport-level error).
type RemoteError struct {
	Kind    RemoteErrorKind
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// DataProtocol is the RPC surface a Session needs from a metadata server.
type DataProtocol interface {
	// VersionRequest performs the handshake and returns the namespace's
	// layout/build version info.
	VersionRequest(ctx context.Context) (*NamespaceInfo, error)

	// Register enrolls this data node in the namespace. transferProtocolVersion
	// identifies the data-transfer wire version this data node speaks.
	Register(ctx context.Context, reg *DatanodeRegistration, transferProtocolVersion int32) (*DatanodeRegistration, error)

	// ErrorReport is a best-effort notification to the peer, used when this
	// data node detects a fatal condition (e.g. LayoutMismatch) and wants
	// the metadata server to know before local shutdown proceeds.
	ErrorReport(ctx context.Context, reg *DatanodeRegistration, severity Severity, message string) error
}

const (
	methodVersionRequest = "/avatarfs.DataProtocol/VersionRequest"
	methodRegister       = "/avatarfs.DataProtocol/Register"
	methodErrorReport    = "/avatarfs.DataProtocol/ErrorReport"
)

// jsonCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/json. It lets dataProtocolClient (and the test server that
// exercises it) exchange plain Go structs without generated protobuf
// types: grpc's default "proto" codec requires proto.Message, which
// NamespaceInfo/DatanodeRegistration deliberately don't implement.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

// emptyMessage is the wire shape of an RPC with no meaningful request or
// response payload (VersionRequest's request, ErrorReport's response).
type emptyMessage struct{}

// registerRequest is the wire shape Register sends: the proposed
// registration plus the data-transfer wire version this data node speaks.
type registerRequest struct {
	Registration            *DatanodeRegistration `json:"registration"`
	TransferProtocolVersion int32                  `json:"transferProtocolVersion"`
}

// errorReportRequest is the wire shape ErrorReport sends.
type errorReportRequest struct {
	Registration *DatanodeRegistration `json:"registration"`
	Severity     Severity              `json:"severity"`
	Message      string                `json:"message"`
}

// dataProtocolClient is the production DataProtocol, invoking RPCs over a
// live gRPC channel.
type dataProtocolClient struct {
	cc grpc.ClientConnInterface
}

// NewDataProtocolClient adapts a dialed gRPC channel to DataProtocol.
func NewDataProtocolClient(cc grpc.ClientConnInterface) DataProtocol {
	return &dataProtocolClient{cc: cc}
}

func (c *dataProtocolClient) VersionRequest(ctx context.Context) (*NamespaceInfo, error) {
	out := new(NamespaceInfo)
	if err := c.cc.Invoke(ctx, methodVersionRequest, &emptyMessage{}, out, grpc.ForceCodec(jsonCodec{})); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *dataProtocolClient) Register(ctx context.Context, reg *DatanodeRegistration, transferProtocolVersion int32) (*DatanodeRegistration, error) {
	in := &registerRequest{Registration: reg, TransferProtocolVersion: transferProtocolVersion}
	out := new(DatanodeRegistration)
	if err := c.cc.Invoke(ctx, methodRegister, in, out, grpc.ForceCodec(jsonCodec{})); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *dataProtocolClient) ErrorReport(ctx context.Context, reg *DatanodeRegistration, severity Severity, message string) error {
	in := &errorReportRequest{Registration: reg, Severity: severity, Message: message}
	return c.cc.Invoke(ctx, methodErrorReport, in, new(emptyMessage), grpc.ForceCodec(jsonCodec{}))
}

// AdminProtocol is an opaque handle to the admin-protocol channel. The core
// never calls methods on it; it dials the channel, keeps it alive, and
// hands it to the offer-service layer which owns the actual heartbeat,
// block-report, and command RPCs (out of scope for this package).
type AdminProtocol interface {
	// Conn returns the underlying channel for the offer-service layer to
	// build its own typed stubs from.
	Conn() grpc.ClientConnInterface
}

type adminProtocol struct {
	cc *grpc.ClientConn
}

// NewAdminProtocol wraps a dialed gRPC channel as an opaque AdminProtocol.
func NewAdminProtocol(cc *grpc.ClientConn) AdminProtocol {
	return &adminProtocol{cc: cc}
}

func (a *adminProtocol) Conn() grpc.ClientConnInterface { return a.cc }
