package model

type RoomKind string

const (
	RoomKindFriend       RoomKind = "friend"
	RoomKindRemoteFriend RoomKind = "remotefriend"
	RoomKindGroup        RoomKind = "group"
	RoomKindCommunity    RoomKind = "community"
)

func (k RoomKind) Valid() bool {
	switch k {
	case RoomKindFriend, RoomKindRemoteFriend, RoomKindGroup, RoomKindCommunity:
		return true
	}
	return false
}

type OriginKind string

const (
	OriginLocal  OriginKind = "local"
	OriginRemote OriginKind = "remote"
)

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindFile  MessageKind = "file"
)

// DeliveryStatus tracks remote relay progress of a locally created message.
type DeliveryStatus string

const (
	DeliveryLocal             DeliveryStatus = "local"
	DeliveryPending           DeliveryStatus = "pending"
	DeliveryDelivered         DeliveryStatus = "delivered"
	DeliveryRemoteUnavailable DeliveryStatus = "RemoteUnavailable"
	DeliveryRemoteRejected    DeliveryStatus = "RemoteRejected"
)

type RequestDirection string

const (
	RequestIncoming RequestDirection = "incoming"
	RequestOutgoing RequestDirection = "outgoing"
)
