package observability

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
)

const (
	MsgKindKey  attribute.Key = "msg.kind"
	ProtocolKey attribute.Key = "protocol"
	NodeIDKey   attribute.Key = "service.node.name" // ECS convention
	PeerIDKey   attribute.Key = "peer.id"
)

func Round(round uint64) attribute.KeyValue {
	return attribute.Int64("round", int64(round)) /* #nosec G115 its unlikely that value of round exceeds int64 max value */
}

func Epoch(epoch uint64) attribute.KeyValue {
	return attribute.Int64("epoch", int64(epoch)) /* #nosec G115 */
}

func PeerID(key attribute.Key, id peer.ID) attribute.KeyValue {
	return key.String(id.String())
}

func MsgKind(kind string) attribute.KeyValue {
	return MsgKindKey.String(kind)
}

/*
ErrStatus returns attribute named "status" with value "ok" if the param
err is nil and "err" when it is not.
*/
func ErrStatus(err error) attribute.KeyValue {
	status := "ok"
	if err != nil {
		status = "err"
	}
	return attribute.String("status", status)
}
