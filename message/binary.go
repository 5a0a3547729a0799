package message

import "github.com/vmihailenco/msgpack/v5"

// msgpackMessage has Message's fields and tags but none of its methods, so
// msgpack encodes it field by field instead of calling back into
// MarshalBinary/UnmarshalBinary.
type msgpackMessage Message

// MarshalBinary encodes the message with msgpack, a more compact
// self-describing alternative to ToJSON for transports or stores that are
// size-sensitive (e.g. the badger-backed dead-letter sink).
func (m *Message) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal((*msgpackMessage)(m))
}

// UnmarshalBinary decodes a message previously produced by MarshalBinary.
func (m *Message) UnmarshalBinary(data []byte) error {
	return msgpack.Unmarshal(data, (*msgpackMessage)(m))
}
