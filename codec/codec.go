// Package codec provides the payload serialization used for request bodies,
// handler results, and handler errors.
//
// The response envelope embeds serialized values verbatim, so every Codec must
// produce self-delimiting JSON values.
package codec

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Default is the codec used when none is configured.
func Default() Codec {
	return &JSONCodec{}
}
